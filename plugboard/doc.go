// Package plugboard implements a Discord bot that answers prefix commands,
// paired with a web dashboard where guild owners log in with Discord and
// install plugins for their guilds.
//
// Key components of the package include:
//
//   - Plugboard: The main struct, which wires together and runs everything else.
//   - Discord: The gateway connection and prefix command dispatcher.
//   - CommandRegistry: Prefix commands, built once at startup.
//   - API: The web dashboard, with Discord OAuth login and plugin endpoints.
//   - DBI: Guild profile and plugin catalog persistence.
//   - DBSessionStore: Database-backed login sessions.
//
// The bot supports these commands (with the default '!' prefix):
//
//   - !ping: Replies with 'Pong!'
//   - !help: Lists available commands.
//   - !plugins: Lists the plugins enabled for the guild.
//   - !dashboard: Links to the guild's dashboard.
//
// A guild's profile may set its own prefix, which is used in place of
// the configured default.
package plugboard
