package plugboard

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
)

// Discord runs the gateway connection and dispatches prefix commands
// from incoming messages.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Discord configuration (prefix, error message, intents).
//   - registry: Commands available to the dispatcher.
//   - store: Used to look up per-guild prefixes.
//   - externalURL: Base URL of the dashboard, for commands that link to it.
//   - connected: Whether the gateway connection is currently up.
//   - handlersWG: Tracks in-flight message handlers, for shutdown.
type Discord struct {
	session     DiscordSessionHandler
	config      *DiscordConfig
	logger      *slog.Logger
	registry    *CommandRegistry
	store       DBI
	externalURL string

	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64
	metricCommandsHandled atomic.Int64
	metricCommandErrors   atomic.Int64
	connected             atomic.Bool

	discordgoRemoveHandlerFuncs []func()
	handlersWG                  sync.WaitGroup
}

func newDiscord(
	config *DiscordConfig,
	registry *CommandRegistry,
	store DBI,
	externalURL string,
	logger *slog.Logger,
) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		registry:                    registry,
		store:                       store,
		externalURL:                 externalURL,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a bot session with the configured token, intents
// and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	level := DefaultDiscordgoLogLevel
	if d.config.DiscordGoLogLevel != nil {
		level = d.config.DiscordGoLogLevel.Level()
	}
	session.SetLogLevel(level)
	return session, nil
}

// addHandlers registers the gateway event handlers. Each message is
// handled in its own goroutine, tracked by handlersWG.
func (d *Discord) addHandlers(ctx context.Context) {
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				d.handlersWG.Add(1)
				go func() {
					defer d.handlersWG.Done()
					d.handleMessage(ctx, m)
				}()
			},
		),
	}
}

func (d *Discord) removeHandlers() {
	for _, f := range d.discordgoRemoveHandlerFuncs {
		f()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// commandPrefix returns the guild's own prefix if it has a profile,
// otherwise the configured default
func (d *Discord) commandPrefix(ctx context.Context, guildID string) string {
	if guildID == "" || d.store == nil {
		return d.config.Prefix
	}
	prefix, err := d.store.GuildPrefix(ctx, guildID)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"error looking up guild prefix, using default",
			"guild_id", guildID,
			tint.Err(err),
		)
		return d.config.Prefix
	}
	if prefix == "" {
		return d.config.Prefix
	}
	return prefix
}

// parseCommand splits content after prefix into a lower-cased command
// name and its arguments. ok is false if content doesn't start with the
// prefix, or nothing follows it.
func parseCommand(content string, prefix string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	args = make([]string, 0, len(fields)-1)
	args = append(args, fields[1:]...)
	return strings.ToLower(fields[0]), args, true
}

// handleMessage dispatches a prefix command from the message, if there
// is one. Messages from bots (including this one) are ignored, as are
// unknown commands.
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		d.logger.DebugContext(ctx, "ignoring message with no author")
		return
	}
	if user.Bot || user.ID == d.config.ClientID {
		return
	}
	d.metricMessagesHandled.Add(1)

	prefix := d.commandPrefix(ctx, m.GuildID)
	name, args, ok := parseCommand(m.Content, prefix)
	if !ok {
		return
	}
	cmd, found := d.registry.Lookup(name)
	if !found {
		d.logger.DebugContext(ctx, "ignoring unknown command", "command", name)
		return
	}

	logger := d.logger.With(
		"command", name,
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			"user_id", user.ID,
		),
	)
	ctx = WithLogger(ctx, logger)

	cc := &CommandContext{
		Message:     m.Message,
		Session:     d.session,
		Store:       d.store,
		Registry:    d.registry,
		Prefix:      prefix,
		ExternalURL: d.externalURL,
		Logger:      logger,
	}
	d.metricCommandsHandled.Add(1)
	if err := d.runCommand(ctx, cmd, cc, args); err != nil {
		d.metricCommandErrors.Add(1)
		logger.ErrorContext(ctx, "error executing command", tint.Err(err))
		if replyErr := cc.Reply(ctx, d.errorMessage()); replyErr != nil {
			logger.ErrorContext(ctx, "error sending error reply", tint.Err(replyErr))
		}
	}
}

// runCommand executes cmd, converting a panic into an error
func (*Discord) runCommand(
	ctx context.Context,
	cmd *Command,
	cc *CommandContext,
	args []string,
) (err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			err = fmt.Errorf("command %q panicked: %v", cmd.Name, rc)
		}
	}()
	return cmd.Execute(ctx, cc, args)
}

func (d *Discord) errorMessage() string {
	if d.config.ErrorMessage == "" {
		return DefaultDiscordErrorMessage
	}
	return d.config.ErrorMessage
}

// handleRecover logs a recovered panic along with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"content", content,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}
