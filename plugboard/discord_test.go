package plugboard

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync/atomic"
	"testing"
)

func newTestDiscord(t testing.TB, db DBI, cmds ...*Command) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	if len(cmds) == 0 {
		cmds = DefaultCommands()
	}
	d := newDiscord(
		cfg.Discord,
		NewCommandRegistry(nil, cmds...),
		db,
		cfg.API.ExternalURL,
		slog.Default().With("test", t.Name()),
	)
	session := newMockDiscordSession()
	d.session = session
	return d, session
}

func newMessageCreate(guildID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			GuildID:   guildID,
			Content:   content,
			Author:    &discordgo.User{ID: "user-1", Username: "someone"},
		},
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content    string
		prefix     string
		expectName string
		expectArgs []string
		expectOK   bool
	}{
		{content: "!ping", prefix: "!", expectName: "ping", expectArgs: []string{}, expectOK: true},
		{content: "!PING", prefix: "!", expectName: "ping", expectArgs: []string{}, expectOK: true},
		{
			content:    "!echo  hello   world",
			prefix:     "!",
			expectName: "echo",
			expectArgs: []string{"hello", "world"},
			expectOK:   true,
		},
		{content: "?ping", prefix: "?", expectName: "ping", expectArgs: []string{}, expectOK: true},
		{content: "pb!ping", prefix: "pb!", expectName: "ping", expectArgs: []string{}, expectOK: true},
		{content: "ping", prefix: "!", expectOK: false},
		{content: "!", prefix: "!", expectOK: false},
		{content: "!   ", prefix: "!", expectOK: false},
		{content: "?ping", prefix: "!", expectOK: false},
		{content: "!ping", prefix: "", expectOK: false},
	}

	for _, tc := range tests {
		name, args, ok := parseCommand(tc.content, tc.prefix)
		assert.Equalf(t, tc.expectOK, ok, "content: %q", tc.content)
		if !tc.expectOK {
			continue
		}
		assert.Equal(t, tc.expectName, name)
		assert.NotNil(t, args)
		assert.Equal(t, tc.expectArgs, args)
	}
}

func TestHandleMessage_Ping(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t, nil)

	d.handleMessage(context.Background(), newMessageCreate("guild-1", "!ping"))

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "Pong!", replies[0].Content)
	assert.Equal(t, int64(1), d.metricCommandsHandled.Load())
	assert.Equal(t, int64(0), d.metricCommandErrors.Load())
}

func TestHandleMessage_Ignored(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	counter := &Command{
		Name: "count",
		Execute: func(context.Context, *CommandContext, []string) error {
			calls.Add(1)
			return nil
		},
	}
	d, session := newTestDiscord(t, nil, counter)
	ctx := context.Background()

	// unknown command
	d.handleMessage(ctx, newMessageCreate("guild-1", "!nonexistent arg"))

	// no prefix
	d.handleMessage(ctx, newMessageCreate("guild-1", "count"))

	// bot author
	m := newMessageCreate("guild-1", "!count")
	m.Author.Bot = true
	d.handleMessage(ctx, m)

	// the bot itself
	m = newMessageCreate("guild-1", "!count")
	m.Author.ID = d.config.ClientID
	d.handleMessage(ctx, m)

	// no author
	m = newMessageCreate("guild-1", "!count")
	m.Author = nil
	d.handleMessage(ctx, m)

	d.handleMessage(ctx, nil)

	assert.Empty(t, session.Replies())
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, int64(0), d.metricCommandsHandled.Load())
}

func TestHandleMessage_Args(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	var calls atomic.Int64
	echo := &Command{
		Name: "Echo",
		Execute: func(ctx context.Context, cc *CommandContext, args []string) error {
			calls.Add(1)
			gotArgs = args
			return nil
		},
	}
	d, _ := newTestDiscord(t, nil, echo)

	d.handleMessage(context.Background(), newMessageCreate("guild-1", "!ECHO"))
	assert.Equal(t, int64(1), calls.Load())
	assert.NotNil(t, gotArgs)
	assert.Empty(t, gotArgs)

	d.handleMessage(context.Background(), newMessageCreate("guild-1", "!echo a b"))
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []string{"a", "b"}, gotArgs)
}

func TestHandleMessage_Error(t *testing.T) {
	t.Parallel()

	failing := &Command{
		Name: "fail",
		Execute: func(context.Context, *CommandContext, []string) error {
			return errors.New("failed")
		},
	}
	d, session := newTestDiscord(t, nil, failing)
	d.config.ErrorMessage = "oops"

	d.handleMessage(context.Background(), newMessageCreate("guild-1", "!fail"))

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "oops", replies[0].Content)
	assert.Equal(t, int64(1), d.metricCommandErrors.Load())
}

func TestHandleMessage_Panic(t *testing.T) {
	t.Parallel()

	panics := &Command{
		Name: "panic",
		Execute: func(context.Context, *CommandContext, []string) error {
			panic("whoops")
		},
	}
	d, session := newTestDiscord(t, nil, panics)
	d.config.ErrorMessage = ""

	assert.NotPanics(
		t, func() {
			d.handleMessage(context.Background(), newMessageCreate("guild-1", "!panic"))
		},
	)

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultDiscordErrorMessage, replies[0].Content)
	assert.Equal(t, int64(1), d.metricCommandErrors.Load())
}

func TestHandleMessage_ConfiguredPrefixAfterProfileCreated(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	d, session := newTestDiscord(t, db)
	d.config.Prefix = "?"

	d.handleMessage(ctx, newMessageCreate("g1", "?ping"))
	require.Len(t, session.Replies(), 1)

	created, err := db.EnsureGuildProfile(ctx, "g1")
	require.NoError(t, err)
	require.True(t, created)

	d.handleMessage(ctx, newMessageCreate("g1", "?ping"))
	require.Len(t, session.Replies(), 2)

	d.handleMessage(ctx, newMessageCreate("g1", "!ping"))
	assert.Len(t, session.Replies(), 2)
}

func TestHandleMessage_GuildPrefix(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureGuildProfile(ctx, "guild-custom")
	require.NoError(t, err)
	require.NoError(
		t,
		db.DB().Model(&GuildProfile{}).
			Where("guild_id = ?", "guild-custom").
			Update("prefix", "?").Error,
	)

	d, session := newTestDiscord(t, db)

	// the default prefix doesn't work in a guild with its own
	d.handleMessage(ctx, newMessageCreate("guild-custom", "!ping"))
	assert.Empty(t, session.Replies())

	d.handleMessage(ctx, newMessageCreate("guild-custom", "?ping"))
	require.Len(t, session.Replies(), 1)

	// guilds without a profile use the default
	d.handleMessage(ctx, newMessageCreate("guild-other", "!ping"))
	require.Len(t, session.Replies(), 2)

	// help lists commands with the guild's prefix
	d.handleMessage(ctx, newMessageCreate("guild-custom", "?help"))
	replies := session.Replies()
	require.Len(t, replies, 3)
	assert.Contains(t, replies[2].Content, "`?ping`")
}

func TestAddHandlers(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t, nil)

	d.addHandlers(context.Background())
	assert.Len(t, session.handlers, 4)
	assert.Len(t, d.discordgoRemoveHandlerFuncs, 4)

	// connect/disconnect handlers track the gateway state
	for _, h := range session.handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Connect):
			fn(nil, &discordgo.Connect{})
		case func(*discordgo.Session, *discordgo.MessageCreate):
			fn(nil, newMessageCreate("guild-1", "!ping"))
		}
	}
	d.handlersWG.Wait()
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	require.Len(t, session.Replies(), 1)

	for _, h := range session.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
			fn(nil, &discordgo.Disconnect{})
		}
	}
	assert.False(t, d.connected.Load())

	d.removeHandlers()
	assert.Empty(t, d.discordgoRemoveHandlerFuncs)
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	ctx := WithLogger(context.Background(), slog.Default().With("test", t.Name()))
	for _, rc := range []any{"string panic", errors.New("error panic"), 42} {
		assert.NotPanics(
			t, func() {
				handleRecover(ctx, rc)
			},
		)
	}
}
