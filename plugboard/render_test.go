package plugboard

import (
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func newTestGinContext(t testing.TB) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.DefaultWriter = io.Discard
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, rec
}

func TestNewRenderer(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	for _, name := range []string{
		layoutTemplate,
		notFoundTemplate,
		"home",
		"status",
		"premium",
		"plugins",
		"dashboard",
		guildDashboardTemplate,
		sectionOverview,
		sectionSubscription,
		sectionPluginsCarts,
		sectionContactSupport,
	} {
		assert.NotNilf(t, r.templates.Lookup(name), "template %q", name)
	}
}

func TestNewRenderer_InvalidTemplate(t *testing.T) {
	t.Parallel()
	fsys := fstest.MapFS{
		"templates/bad.html":               {Data: []byte(`{{define "bad"}}{{.Foo}`)},
		"templates/dashboard/section.html": {Data: []byte(`{{define "section"}}ok{{end}}`)},
	}
	_, err := NewRenderer(fsys, nil)
	assert.Error(t, err)
}

func TestRenderer_Page(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	c, rec := newTestGinContext(t)
	user := &SessionUser{ID: "42", Username: "someone", Avatar: "abc"}
	r.Page(c, http.StatusOK, "Home", "home", gin.H{templateDataUser: user})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Home | Plugboard</title>")
	assert.Contains(t, body, "someone")
	assert.Contains(t, body, "https://cdn.discordapp.com/avatars/42/abc.png")
	assert.Contains(t, body, `href="/logout"`)
	assert.NotContains(t, body, "Login with Discord")
}

func TestRenderer_PageAnonymous(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	c, rec := newTestGinContext(t)
	var user *SessionUser
	r.Page(c, http.StatusOK, "Home", "home", gin.H{templateDataUser: user})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Login with Discord")
}

func TestRenderer_Fragment(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	c, rec := newTestGinContext(t)
	r.Fragment(c, http.StatusOK, sectionContactSupport, gin.H{"GuildID": "guild-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "guild-1")
	assert.NotContains(t, body, "<html")
}

func TestRenderer_MissingTemplate(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	c, rec := newTestGinContext(t)
	r.Page(c, http.StatusOK, "Nope", "does-not-exist", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, internalError, rec.Body.String())
}

func TestRenderer_NotFound(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer(webAssets, nil)
	require.NoError(t, err)

	c, rec := newTestGinContext(t)
	r.NotFound(c, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), notFoundTitle)
}

func TestTemplateFuncs(t *testing.T) {
	t.Parallel()
	initials := templateFuncs["initials"].(func(string) string)
	assert.Equal(t, "MCS", initials("My Cool Server Here"))
	assert.Equal(t, "S", initials("server"))
	assert.Equal(t, "", initials(""))
	assert.Equal(t, "AB", initials("alpha beta"))

	iconURL := templateFuncs["guildIconURL"].(func(string, string) string)
	assert.Equal(t, "", iconURL("1", ""))
	assert.Equal(t, "https://cdn.discordapp.com/icons/1/abc.png?size=128", iconURL("1", "abc"))

	avg := templateFuncs["avgRating"].(func(PluginDescriptor) string)
	assert.Equal(t, "4.5", avg(PluginDescriptor{RateCount: []PluginRating{{Star: 4}, {Star: 5}}}))
}
