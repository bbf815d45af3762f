package plugboard

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"net/http"
)

// login starts the OAuth flow: a random state is stored in the session,
// and the user is redirected to discord's authorization page.
//
// Responses:
//   - 302 Found: Redirect to the authorization URL.
//   - 429 Too Many Requests: If login requests are rate limited.
//   - 500 Internal Server Error: If the session couldn't be saved.
func (h *APIHandlers) login(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	state, err := generateRandomHexString(oauthStateLength)
	if err != nil {
		logger.Error("error generating oauth state", tint.Err(err))
		c.String(http.StatusInternalServerError, internalError)
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyState, state)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.String(http.StatusInternalServerError, internalError)
		return
	}
	c.Redirect(http.StatusFound, h.p.identity.AuthCodeURL(state))
}

// callback completes the OAuth flow. The state must match the one set by
// login. On success, the user's identity and guilds are stored in the
// session and the user is sent to the dashboard. Any failure redirects
// home.
func (h *APIHandlers) callback(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)

	expectedState, _ := session.Get(sessionKeyState).(string)
	state := c.Query("state")
	code := c.Query("code")

	if expectedState != "" {
		session.Delete(sessionKeyState)
	}

	switch {
	case c.Query("error") != "":
		logger.Warn("authorization denied", "error", c.Query("error"))
		h.redirectHome(c, session)
		return
	case expectedState == "" || state != expectedState:
		logger.Warn("oauth state mismatch")
		h.redirectHome(c, session)
		return
	case code == "":
		logger.Warn("oauth callback missing code")
		h.redirectHome(c, session)
		return
	}

	user, err := h.p.identity.Exchange(c.Request.Context(), code)
	if err != nil {
		logger.Error("error completing oauth exchange", tint.Err(err))
		h.redirectHome(c, session)
		return
	}

	session.Set(sessionKeyUser, *user)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.Redirect(http.StatusFound, apiPathHome)
		return
	}
	logger.Info("user logged in", "user_id", user.ID, "username", user.Username)
	c.Redirect(http.StatusFound, apiPathDashboard)
}

func (h *APIHandlers) redirectHome(c *gin.Context, session sessions.Session) {
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
	}
	c.Redirect(http.StatusFound, apiPathHome)
}

// logout deletes the session record and redirects home
func (h *APIHandlers) logout(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error deleting session", tint.Err(err))
	}
	c.Redirect(http.StatusFound, apiPathHome)
}
