package plugboard

//goland:noinspection GoLinter
import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix  = "/debug"
	apiPrefix    = "/api"
	staticPrefix = "/static"

	apiPathHome                = "/"
	apiPathStatus              = "/status"
	apiPathPremium             = "/premium"
	apiPathPlugins             = "/plugins"
	apiPathDashboard           = "/dashboard"
	apiPathGuildDashboard      = "/dashboard/:guildId"
	apiPathGuildOverview       = "/dashboard/:guildId/overview"
	apiPathGuildSubscription   = "/dashboard/:guildId/subscription"
	apiPathGuildPluginsCarts   = "/dashboard/:guildId/plugins-carts"
	apiPathGuildContactSupport = "/dashboard/:guildId/contact-support"
	apiPathLogin               = "/login"
	apiPathCallback            = "/auth/discord/callback"
	apiPathLogout              = "/logout"
	apiPathInstallPlugin       = "/install-plugin"
	apiPathListPlugins         = "/plugins"
	apiPathGuildProfile        = "/guild-profile"
	apiHealthCheck             = "/healthz"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionName      = "plugboard_session"
	sessionKeyUser   = "user"
	sessionKeyState  = "oauth_state"
	ginKeyUser       = "session_user"

	oauthStateLength = 32
)

var (
	structValidator = validator.New()
)

// API is the web dashboard server.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests.
//   - store: Database-backed session store.
//   - loginRequestLimiter: Rate limiter for /login.
//   - requestMetrics: Request counts, keyed by method and path.
//   - logger: Logger for API-related events.
//   - handlers: Route handlers.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               SessionStore
	renderer            *Renderer
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the session store, renderer, middleware and routes.
//
// Parameters:
//   - p: The Plugboard instance, for access to the database, discord
//     connection and identity provider.
//   - config: API server settings.
func newAPI(p *Plugboard, config *APIConfig) (*API, error) {
	logger := newComponentLogger(config.LogLevel, "api")

	renderer, err := NewRenderer(webAssets, logger)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		renderer:       renderer,
		requestMetrics: map[string]int{},
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(config.LoginRateLimit),
			config.LoginRateBurst,
		),
		logger: logger,
	}

	api.store = newSessionStore(p, config, logger)
	api.handlers = &APIHandlers{
		p:        p,
		api:      api,
		logger:   logger,
		store:    api.store,
		renderer: renderer,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		sessions.Sessions(sessionName, api.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	staticFS, err := fs.Sub(webAssets, "static")
	if err != nil {
		return nil, fmt.Errorf("error loading static assets: %w", err)
	}
	r.StaticFS(staticPrefix, http.FS(staticFS))

	h := api.handlers
	r.GET(apiPathHome, h.home)
	r.GET(apiPathStatus, h.status)
	r.GET(apiPathPremium, h.premium)
	r.GET(apiPathPlugins, h.pluginsPage)
	r.GET(apiHealthCheck, h.healthCheck)

	r.GET(apiPathLogin, h.login)
	r.GET(apiPathCallback, h.callback)
	r.GET(apiPathLogout, h.logout)

	protected := r.Group("", ensureAuth(h))
	protected.GET(apiPathDashboard, h.dashboard)
	protected.GET(apiPathGuildDashboard, h.guildDashboard)

	r.GET(apiPathGuildOverview, h.subPage(sectionOverview, "Overview", h.loadOverview))
	r.GET(apiPathGuildSubscription, h.subPage(sectionSubscription, "Subscription", nil))
	r.GET(apiPathGuildPluginsCarts, h.subPage(sectionPluginsCarts, "Plugins Carts", nil))
	r.GET(apiPathGuildContactSupport, h.subPage(sectionContactSupport, "Contact Support", nil))

	r.POST(apiPathInstallPlugin, h.installPlugin)

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{strings.TrimRight(p.config.API.ExternalURL, "/")}
		}
	}
	apiGroup := r.Group(apiPrefix, cors.New(corsConfig))
	apiGroup.GET(apiPathListPlugins, h.listPlugins)
	apiGroup.GET(apiPathGuildProfile, h.guildProfile)

	r.NoRoute(
		func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, apiPrefix+"/") {
				c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
				return
			}
			renderer.NotFound(c, sessionUser(c))
		},
	)

	return api, nil
}

// newSessionStore returns the database session store, keyed from the
// API secret. Without a secret, random keys are used, and sessions
// won't survive a restart.
func newSessionStore(p *Plugboard, config *APIConfig, logger *slog.Logger) SessionStore {
	var hashKey, blockKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		hashKey = securecookie.GenerateRandomKey(64)
		blockKey = securecookie.GenerateRandomKey(32)
	default:
		hashKey = deriveKey(sk, "hash", 64)
		blockKey = deriveKey(sk, "block", 32)
	}

	store := NewDBSessionStore(
		p.db.DB(),
		config.SessionMaxAge,
		p.logger,
		hashKey,
		blockKey,
	)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   strings.HasPrefix(p.config.API.ExternalURL, "https://"),
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		},
	)
	return store
}

// Listen opens the configured listener, wrapping it with TLS if
// certificates are configured
func (a *API) Listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "listening", "address", ln.Addr().String())
	return nil
}

// Serve serves HTTP on the listener opened by Listen
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		if err := a.Listen(ctx); err != nil {
			return err
		}
	}
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

// APIHandlers contains the route handlers.
//
// Fields:
//   - p: The Plugboard instance.
//   - logger: Logger for API-related events.
//   - store: Session store.
//   - renderer: Page renderer.
type APIHandlers struct {
	p        *Plugboard
	api      *API
	logger   *slog.Logger
	store    SessionStore
	renderer *Renderer
}

// healthCheckResponse is returned by the health check endpoint.
//
// Fields:
//   - DiscordGatewayConnected: Whether the discord gateway is connected.
//   - Uptime: Time since Run started.
//   - Commands: Number of registered prefix commands.
type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
	Commands                int    `json:"commands"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// healthCheck reports gateway state, uptime and the number of commands.
//
// Responses:
//   - 200 OK: Returns the health check information in JSON format.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.p.discord.connected.Load(),
			Uptime:                  h.p.Uptime().Round(time.Second).String(),
			Commands:                h.p.registry.Len(),
		},
	)
}

// sessionUser returns the logged-in user from the request's session, or
// nil if there isn't one
func sessionUser(c *gin.Context) *SessionUser {
	if v, ok := c.Get(ginKeyUser); ok {
		if u, isUser := v.(*SessionUser); isUser {
			return u
		}
	}
	session := sessions.Default(c)
	if session == nil {
		return nil
	}
	u, ok := session.Get(sessionKeyUser).(SessionUser)
	if !ok || u.ID == "" {
		return nil
	}
	c.Set(ginKeyUser, &u)
	return &u
}

// ensureAuth redirects to /login when there's no logged-in user. If the
// session's guild list is older than the refresh interval, and the
// access token hasn't expired, the list is fetched again. A failed
// refresh keeps the stale list.
func ensureAuth(h *APIHandlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := sessionUser(c)
		if user == nil {
			c.Redirect(http.StatusFound, apiPathLogin)
			c.Abort()
			return
		}

		interval := h.api.config.GuildRefreshInterval
		if interval > 0 &&
			time.Since(user.GuildsFetchedAt) > interval &&
			time.Now().Before(user.TokenExpiry) {
			h.refreshGuilds(c, user)
		}
		c.Next()
	}
}

func (h *APIHandlers) refreshGuilds(c *gin.Context, user *SessionUser) {
	logger := ginContextLogger(c)
	refreshed := *user
	if err := h.p.identity.RefreshGuilds(c.Request.Context(), &refreshed); err != nil {
		logger.Warn("error refreshing guild list, keeping stale list", tint.Err(err))
		return
	}
	session := sessions.Default(c)
	session.Set(sessionKeyUser, refreshed)
	if err := session.Save(); err != nil {
		logger.Error("error saving refreshed session", tint.Err(err))
		return
	}
	*user = refreshed
	logger.Debug("refreshed guild list", "guilds", len(refreshed.Guilds))
}

// requestIDMiddleware assigns a random request ID to each request, and
// sets it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status. Private gin errors are logged at error level.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and matched route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.FullPath()
		if key == "" {
			key = "unmatched"
		}
		key = c.Request.Method + " " + key

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a JSON error response with the given status
func ginReplyError(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
