package plugboard

import (
	"4d63.com/tz"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/plugboard/plugboard.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// sessionPurgeTimeout bounds a single run of the session purge job
var sessionPurgeTimeout = time.Minute

// Plugboard ties together the discord bot, the command registry, the
// database and the web dashboard.
//
// Fields:
//   - config: The main configuration.
//   - db: Guild profile, plugin catalog and session persistence.
//   - registry: Prefix commands available to the dispatcher.
//   - discord: Gateway connection and message dispatcher.
//   - identity: OAuth identity provider for dashboard logins.
//   - api: The web dashboard server.
//   - location: Time zone used for the dashboard greeting.
type Plugboard struct {
	config   *Config
	db       DBI
	logger   *slog.Logger
	registry *CommandRegistry
	discord  *Discord
	identity IdentityProvider
	api      *API
	location *time.Location

	scheduler *Scheduler

	// prevents concurrent runs
	runMu sync.Mutex

	// unix nanos of the last Run call
	startedAt atomic.Int64

	// receives a value once Run has started serving
	signalReady chan struct{}

	// send to trigger a graceful shutdown
	signalStop chan struct{}
}

// New validates the config, opens and migrates the database, and sets up
// the discord bot and web dashboard. If commands are given, they're
// registered in place of DefaultCommands.
//
// Errors from setting up individual components are collected and
// returned together. A database error is returned immediately.
func New(config *Config, commands ...*Command) (*Plugboard, error) {
	if err := config.ResolveDatabase(); err != nil {
		return nil, err
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	p := &Plugboard{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	p.logger = slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(p.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	var errs []error

	loc, err := loadLocation(config.Timezone)
	if err != nil {
		errs = append(errs, err)
	}
	p.location = loc

	ctx, cancel := context.WithTimeout(context.Background(), config.StartupTimeout)
	defer cancel()
	if err = p.initDB(ctx); err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	if len(commands) == 0 {
		commands = DefaultCommands()
	}
	p.registry = NewCommandRegistry(p.logger.With(loggerNameKey, "commands"), commands...)

	p.discord = newDiscord(
		config.Discord,
		p.registry,
		p.db,
		config.API.ExternalURL,
		newComponentLogger(config.Discord.LogLevel, "discord"),
	)

	p.identity = newDiscordOAuth(config.Discord, config.API.ExternalURL, config.HTTPClient)

	if config.Development {
		config.API.Development = true
	}
	api, err := newAPI(p, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	p.api = api

	return p, errors.Join(errs...)
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := tz.LoadLocation(name)
	if err != nil {
		return time.Local, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func (p *Plugboard) initDB(ctx context.Context) error {
	dbLogger := newComponentLogger(p.config.DatabaseLogLevel, "database")
	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, p.config.DatabaseLogLevel),
		p.config.DatabaseSlowThreshold,
	)
	db, err := openDB(ctx, p.config.DatabaseType, p.config.Database, gormLogger, dbLogger)
	if err != nil {
		return err
	}
	p.db = NewDatabase(db, dbLogger, p.config.DatabaseType != dbTypeSQLite)
	return nil
}

// DB returns the database interface
func (p *Plugboard) DB() DBI {
	return p.db
}

// Uptime returns the time since Run was called, or 0 if it hasn't been
func (p *Plugboard) Uptime() time.Duration {
	started := p.startedAt.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

// Stop triggers a graceful shutdown of a running instance
func (p *Plugboard) Stop() {
	select {
	case p.signalStop <- struct{}{}:
	default:
	}
}

// Run starts the web server, connects to the discord gateway and starts
// scheduled jobs, then blocks until ctx is canceled or Stop is called,
// and shuts down. A failure to connect to discord is logged, and the web
// server keeps running.
func (p *Plugboard) Run(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.startedAt.Store(time.Now().UnixNano())
	logger := p.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()
	if err := p.api.Listen(startCtx); err != nil {
		logger.ErrorContext(ctx, "error starting api server", tint.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			if err := p.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
				return err
			}
			return nil
		},
	)

	p.openDiscord(ctx)

	p.scheduler = newScheduler(p.location, newComponentLogger(p.config.LogLevel, "scheduler"))
	if p.config.SessionPurgeSchedule != "" {
		if err := p.scheduler.AddJob(
			ctx,
			"purge_sessions",
			p.config.SessionPurgeSchedule,
			sessionPurgeTimeout,
			purgeSessionsJob(p.api.store, logger),
		); err != nil {
			logger.ErrorContext(ctx, "error scheduling session purge", tint.Err(err))
		}
	}
	p.scheduler.Start()

	select {
	case p.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until the runtime context is canceled, or the server fails
	<-gctx.Done()

	shutdownErr := p.shutdown(ctx)
	return errors.Join(g.Wait(), shutdownErr)
}

// openDiscord connects to the gateway if a bot token is configured
func (p *Plugboard) openDiscord(ctx context.Context) {
	logger := p.discord.logger
	if p.discord.session == nil {
		if p.config.Discord.Token == "" {
			logger.WarnContext(ctx, "discord token not set, gateway disabled")
			return
		}
		session, err := p.discord.newSession()
		if err != nil {
			logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
			return
		}
		p.discord.session = session
	}
	p.discord.addHandlers(ctx)
	if err := p.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord gateway", tint.Err(err))
	}
}

// shutdown stops scheduled jobs, the web server and the discord
// connection, waits for in-flight message handlers, then closes the
// database. Anything still running after the shutdown timeout is
// abandoned.
func (p *Plugboard) shutdown(ctx context.Context) error {
	logger := p.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", p.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer closeCancel()

	var errs []error

	if p.scheduler != nil {
		p.scheduler.Stop(closeCtx)
	}

	if err := p.api.httpServer.Shutdown(closeCtx); err != nil {
		logger.ErrorContext(ctx, "error shutting down http server", tint.Err(err))
		errs = append(errs, err, p.api.httpServer.Close())
	}

	if p.discord.session != nil {
		p.discord.removeHandlers()
		if err := p.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	handlersDone := make(chan struct{})
	go func() {
		p.discord.handlersWG.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "timed out waiting for message handlers")
	}

	errs = append(errs, p.Close())

	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

// Close closes the database connection
func (p *Plugboard) Close() error {
	sqlDB, err := p.db.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
