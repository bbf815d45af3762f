package plugboard

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
)

// mockDiscordSession implements DiscordSessionHandler, recording
// replies instead of sending them
type mockDiscordSession struct {
	mu       sync.Mutex
	replies  []mockReply
	handlers []any
	replyErr error
	opened   bool
	closed   bool
	openErr  error
}

type mockReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return m.openErr
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return nil, m.replyErr
	}
	m.replies = append(
		m.replies,
		mockReply{ChannelID: channelID, Content: content, Reference: reference},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) Replies() []mockReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]mockReply, len(m.replies))
	copy(r, m.replies)
	return r
}

func newTestCommandContext(
	t testing.TB,
	db DBI,
	guildID string,
	cmds ...*Command,
) (*CommandContext, *mockDiscordSession) {
	t.Helper()
	if len(cmds) == 0 {
		cmds = DefaultCommands()
	}
	session := newMockDiscordSession()
	return &CommandContext{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			GuildID:   guildID,
			Author:    &discordgo.User{ID: "user-1", Username: "someone"},
		},
		Session:     session,
		Store:       db,
		Registry:    NewCommandRegistry(nil, cmds...),
		Prefix:      "!",
		ExternalURL: "https://plugboard.example.com",
	}, session
}

func noopExecute(context.Context, *CommandContext, []string) error {
	return nil
}

func TestNewCommandRegistry(t *testing.T) {
	t.Parallel()

	first := &Command{Name: "Echo", Description: "first", Execute: noopExecute}
	second := &Command{Name: "echo", Description: "second", Execute: noopExecute}

	registry := NewCommandRegistry(
		nil,
		nil,
		&Command{Name: "", Execute: noopExecute},
		&Command{Name: "   ", Execute: noopExecute},
		&Command{Name: "noexec"},
		first,
		second,
		&Command{Name: "Alpha", Execute: noopExecute},
	)

	assert.Equal(t, 2, registry.Len())

	cmd, ok := registry.Lookup("ECHO")
	require.True(t, ok)
	assert.Equal(t, "second", cmd.Description, "last registration should win")

	_, ok = registry.Lookup("noexec")
	assert.False(t, ok)

	cmds := registry.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "Alpha", cmds[0].Name)
	assert.Equal(t, "echo", cmds[1].Name)
}

func TestCommandPing(t *testing.T) {
	t.Parallel()
	cc, session := newTestCommandContext(t, nil, "guild-1")

	cmd, ok := cc.Registry.Lookup(CommandPing)
	require.True(t, ok)
	require.NoError(t, cmd.Execute(context.Background(), cc, []string{}))

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "Pong!", replies[0].Content)
	assert.Equal(t, "chan-1", replies[0].ChannelID)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, "msg-1", replies[0].Reference.MessageID)
}

func TestCommandHelp(t *testing.T) {
	t.Parallel()
	cc, session := newTestCommandContext(t, nil, "guild-1")
	cc.Prefix = "?"

	cmd, ok := cc.Registry.Lookup(CommandHelp)
	require.True(t, ok)
	require.NoError(t, cmd.Execute(context.Background(), cc, []string{}))

	replies := session.Replies()
	require.Len(t, replies, 1)
	content := replies[0].Content
	assert.True(t, strings.HasPrefix(content, "Available commands:"))
	for _, name := range []string{CommandPing, CommandHelp, CommandPlugins, CommandDashboard} {
		assert.Contains(t, content, "`?"+name+"`")
	}
	assert.Contains(t, content, "`?ping` - Check that the bot is responding")
}

func TestCommandPlugins(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	seedTestPlugins(t, db, 3)

	t.Run(
		"direct message", func(t *testing.T) {
			cc, session := newTestCommandContext(t, db, "")
			cmd, _ := cc.Registry.Lookup(CommandPlugins)
			require.NoError(t, cmd.Execute(ctx, cc, []string{}))
			require.Len(t, session.Replies(), 1)
			assert.Equal(
				t,
				"This command can only be used in a server.",
				session.Replies()[0].Content,
			)
		},
	)

	t.Run(
		"unknown guild", func(t *testing.T) {
			cc, session := newTestCommandContext(t, db, "no-profile")
			cmd, _ := cc.Registry.Lookup(CommandPlugins)
			require.NoError(t, cmd.Execute(ctx, cc, []string{}))
			require.Len(t, session.Replies(), 1)
			assert.Equal(
				t,
				"This server hasn't been set up yet. Visit "+
					"https://plugboard.example.com/dashboard to get started.",
				session.Replies()[0].Content,
			)
		},
	)

	_, err := db.EnsureGuildProfile(ctx, "guild-p")
	require.NoError(t, err)

	t.Run(
		"no plugins", func(t *testing.T) {
			cc, session := newTestCommandContext(t, db, "guild-p")
			cmd, _ := cc.Registry.Lookup(CommandPlugins)
			require.NoError(t, cmd.Execute(ctx, cc, []string{}))
			require.Len(t, session.Replies(), 1)
			assert.Equal(t, "No plugins are enabled for this server.", session.Replies()[0].Content)
		},
	)

	require.NoError(t, db.InstallPlugin(ctx, "guild-p", "plugin-3"))
	require.NoError(t, db.InstallPlugin(ctx, "guild-p", "plugin-1"))

	t.Run(
		"enabled plugins", func(t *testing.T) {
			cc, session := newTestCommandContext(t, db, "guild-p")
			cmd, _ := cc.Registry.Lookup(CommandPlugins)
			require.NoError(t, cmd.Execute(ctx, cc, []string{}))
			require.Len(t, session.Replies(), 1)
			assert.Equal(t, "Enabled plugins: Plugin 3, Plugin 1", session.Replies()[0].Content)
		},
	)
}

func TestCommandDashboard(t *testing.T) {
	t.Parallel()
	cc, session := newTestCommandContext(t, nil, "guild-9")
	cc.ExternalURL = "https://plugboard.example.com/"

	cmd, ok := cc.Registry.Lookup(CommandDashboard)
	require.True(t, ok)
	require.NoError(t, cmd.Execute(context.Background(), cc, []string{}))

	replies := session.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "https://plugboard.example.com/dashboard/guild-9", replies[0].Content)
}

func TestCommandContext_ReplyError(t *testing.T) {
	t.Parallel()
	cc, session := newTestCommandContext(t, nil, "guild-1")
	session.replyErr = errors.New("missing access")

	err := cc.Reply(context.Background(), "hello")
	assert.ErrorIs(t, err, session.replyErr)
}
