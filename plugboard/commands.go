package plugboard

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"sort"
	"strings"
)

const (
	CommandPing      = "ping"
	CommandHelp      = "help"
	CommandPlugins   = "plugins"
	CommandDashboard = "dashboard"
)

// Command is a prefix command. Execute receives the arguments following
// the command name, which is an empty (non-nil) slice when there are none.
type Command struct {
	Name        string
	Description string
	Execute     func(ctx context.Context, cc *CommandContext, args []string) error
}

// MessageReplier sends a reply to a message
type MessageReplier interface {
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// CommandContext is passed to a Command's Execute function
type CommandContext struct {
	Message     *discordgo.Message
	Session     MessageReplier
	Store       DBI
	Registry    *CommandRegistry
	Prefix      string
	ExternalURL string
	Logger      *slog.Logger
}

// Reply sends content as a reply to the message that invoked the command
func (cc *CommandContext) Reply(ctx context.Context, content string) error {
	_, err := cc.Session.ChannelMessageSendReply(
		cc.Message.ChannelID,
		content,
		cc.Message.Reference(),
		discordgo.WithContext(ctx),
	)
	return err
}

// CommandRegistry maps lower-cased command names to commands. It's built
// once at startup, and is read-only afterward.
type CommandRegistry struct {
	commands map[string]*Command
}

// NewCommandRegistry registers the given commands. Commands without a
// name or Execute function are skipped with a warning. If two commands
// share a name, the last one wins.
func NewCommandRegistry(logger *slog.Logger, commands ...*Command) *CommandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CommandRegistry{commands: make(map[string]*Command, len(commands))}
	for _, cmd := range commands {
		switch {
		case cmd == nil:
			logger.Warn("skipping nil command")
			continue
		case strings.TrimSpace(cmd.Name) == "":
			logger.Warn("skipping command with no name")
			continue
		case cmd.Execute == nil:
			logger.Warn("skipping command with no execute function", "command", cmd.Name)
			continue
		}
		name := strings.ToLower(strings.TrimSpace(cmd.Name))
		if _, exists := r.commands[name]; exists {
			logger.Warn("command registered more than once, replacing", "command", name)
		}
		r.commands[name] = cmd
	}
	return r
}

// Lookup returns the command with the given (case-insensitive) name
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Commands returns all registered commands, sorted by name
func (r *CommandRegistry) Commands() []*Command {
	cmds := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	sort.Slice(
		cmds, func(i, j int) bool {
			return strings.ToLower(cmds[i].Name) < strings.ToLower(cmds[j].Name)
		},
	)
	return cmds
}

func (r *CommandRegistry) Len() int {
	return len(r.commands)
}

// DefaultCommands returns the built-in commands
func DefaultCommands() []*Command {
	return []*Command{
		{
			Name:        CommandPing,
			Description: "Check that the bot is responding",
			Execute:     executePing,
		},
		{
			Name:        CommandHelp,
			Description: "List available commands",
			Execute:     executeHelp,
		},
		{
			Name:        CommandPlugins,
			Description: "List the plugins enabled for this server",
			Execute:     executePlugins,
		},
		{
			Name:        CommandDashboard,
			Description: "Get a link to this server's dashboard",
			Execute:     executeDashboard,
		},
	}
}

func executePing(ctx context.Context, cc *CommandContext, _ []string) error {
	return cc.Reply(ctx, "Pong!")
}

func executeHelp(ctx context.Context, cc *CommandContext, _ []string) error {
	var b strings.Builder
	b.WriteString("Available commands:")
	for _, cmd := range cc.Registry.Commands() {
		fmt.Fprintf(&b, "\n`%s%s`", cc.Prefix, strings.ToLower(cmd.Name))
		if cmd.Description != "" {
			b.WriteString(" - " + cmd.Description)
		}
	}
	return cc.Reply(ctx, b.String())
}

func executePlugins(ctx context.Context, cc *CommandContext, _ []string) error {
	if cc.Message.GuildID == "" {
		return cc.Reply(ctx, "This command can only be used in a server.")
	}
	profile, err := cc.Store.GetGuildProfile(ctx, cc.Message.GuildID)
	if err != nil {
		if errors.Is(err, ErrGuildNotFound) {
			return cc.Reply(
				ctx,
				fmt.Sprintf(
					"This server hasn't been set up yet. Visit %s to get started.",
					cc.dashboardURL(""),
				),
			)
		}
		return fmt.Errorf("error loading guild profile: %w", err)
	}

	enabled := profile.EnabledPluginIDs()
	if len(enabled) == 0 {
		return cc.Reply(ctx, "No plugins are enabled for this server.")
	}
	catalog, err := cc.Store.GetPluginsByID(ctx, enabled)
	if err != nil {
		return fmt.Errorf("error loading plugins: %w", err)
	}

	names := make([]string, 0, len(enabled))
	for _, id := range enabled {
		if p, ok := catalog[id]; ok {
			names = append(names, p.Name)
			continue
		}
		names = append(names, id)
	}
	return cc.Reply(ctx, "Enabled plugins: "+strings.Join(names, ", "))
}

func executeDashboard(ctx context.Context, cc *CommandContext, _ []string) error {
	return cc.Reply(ctx, cc.dashboardURL(cc.Message.GuildID))
}

func (cc *CommandContext) dashboardURL(guildID string) string {
	u := strings.TrimRight(cc.ExternalURL, "/") + apiPathDashboard
	if guildID != "" {
		u += "/" + guildID
	}
	return u
}
