package plugboard

import (
	"bytes"
	"embed"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	layoutTemplate   = "layout"
	notFoundTemplate = "404"
	notFoundTitle    = "Page Not Found"
	internalError    = "Internal Server Error"

	templateDataUser = "User"
)

//go:embed templates static
var webAssets embed.FS

// PublicUser is the user identity exposed to templates
type PublicUser struct {
	ID       string
	Username string
	Avatar   string
}

func newPublicUser(u *SessionUser) *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:       u.ID,
		Username: u.Username,
		Avatar:   discordAvatarURL(u.ID, u.Avatar),
	}
}

type layoutData struct {
	Title string
	Body  template.HTML
	User  *PublicUser
	Year  int
}

// Renderer renders page templates inside the shared layout
type Renderer struct {
	templates *template.Template
	logger    *slog.Logger
}

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"avgRating": func(p PluginDescriptor) string {
		return fmt.Sprintf("%.1f", p.AverageRating())
	},
	"avatarURL": discordAvatarURL,
	"guildIconURL": func(guildID, icon string) string {
		if icon == "" {
			return ""
		}
		return fmt.Sprintf(
			"https://cdn.discordapp.com/icons/%s/%s.png?size=128",
			guildID,
			icon,
		)
	},
	"initials": func(name string) string {
		var b strings.Builder
		for _, w := range strings.Fields(name) {
			b.WriteString(truncate(w, 1))
		}
		return strings.ToUpper(truncate(b.String(), 3))
	},
}

// NewRenderer parses the page, layout and dashboard templates in fsys
func NewRenderer(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := template.New("").Funcs(templateFuncs).ParseFS(
		fsys,
		"templates/*.html",
		"templates/dashboard/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("error parsing templates: %w", err)
	}
	return &Renderer{templates: t, logger: logger}, nil
}

// Page renders the named page template with data, then renders the
// layout around it. If data contains a *SessionUser under "User", it's
// replaced with a PublicUser. Any failure is logged and answered with a
// plain 500.
func (r *Renderer) Page(c *gin.Context, status int, title string, page string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	var user *PublicUser
	switch u := data[templateDataUser].(type) {
	case *SessionUser:
		user = newPublicUser(u)
	case *PublicUser:
		user = u
	}
	if user != nil {
		data[templateDataUser] = user
	} else {
		delete(data, templateDataUser)
	}

	body, err := r.Partial(page, data)
	if err != nil {
		r.fail(c, err, page)
		return
	}

	var buf bytes.Buffer
	err = r.templates.ExecuteTemplate(
		&buf, layoutTemplate, layoutData{
			Title: title,
			Body:  body,
			User:  user,
			Year:  time.Now().Year(),
		},
	)
	if err != nil {
		r.fail(c, err, layoutTemplate)
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

// Fragment renders a single template without the layout
func (r *Renderer) Fragment(c *gin.Context, status int, name string, data gin.H) {
	body, err := r.Partial(name, data)
	if err != nil {
		r.fail(c, err, name)
		return
	}
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}

// Partial executes the named template and returns the result for
// embedding in another template
func (r *Renderer) Partial(name string, data any) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	//nolint:gosec // output of html/template
	return template.HTML(buf.String()), nil
}

// NotFound renders the 404 page
func (r *Renderer) NotFound(c *gin.Context, user *SessionUser) {
	r.Page(c, http.StatusNotFound, notFoundTitle, notFoundTemplate, gin.H{templateDataUser: user})
}

func (r *Renderer) fail(c *gin.Context, err error, name string) {
	ginContextLogger(c).Error("error rendering template", "template", name, tint.Err(err))
	c.String(http.StatusInternalServerError, internalError)
	c.Abort()
}
