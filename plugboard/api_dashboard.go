package plugboard

import (
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"html/template"
	"net/http"
	"time"
)

const (
	sectionOverview       = "overview"
	sectionSubscription   = "subscription"
	sectionPluginsCarts   = "plugins-carts"
	sectionContactSupport = "contact-support"

	guildDashboardTemplate = "guildDashboard"
)

func (h *APIHandlers) home(c *gin.Context) {
	h.renderer.Page(c, http.StatusOK, "Home", "home", gin.H{templateDataUser: sessionUser(c)})
}

func (h *APIHandlers) premium(c *gin.Context) {
	h.renderer.Page(c, http.StatusOK, "Premium", "premium", gin.H{templateDataUser: sessionUser(c)})
}

// status shows the gateway connection state, uptime and commands
func (h *APIHandlers) status(c *gin.Context) {
	h.renderer.Page(
		c, http.StatusOK, "Status", "status", gin.H{
			templateDataUser:  sessionUser(c),
			"Connected":       h.p.discord.connected.Load(),
			"Uptime":          h.p.Uptime().Round(time.Second).String(),
			"Commands":        h.p.registry.Commands(),
			"CommandsHandled": h.p.discord.metricCommandsHandled.Load(),
			"Prefix":          h.p.config.Discord.Prefix,
		},
	)
}

// pluginsPage lists the plugin catalog
func (h *APIHandlers) pluginsPage(c *gin.Context) {
	plugins, err := h.p.db.ListPlugins(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing plugins", tint.Err(err))
		c.String(http.StatusInternalServerError, internalError)
		return
	}
	h.renderer.Page(
		c, http.StatusOK, "Plugins", "plugins", gin.H{
			templateDataUser: sessionUser(c),
			"Plugins":        plugins,
		},
	)
}

// dashboard lists the guilds the user owns. When discord redirects back
// after the bot is added to a guild ('code' and 'guild_id' are set), the
// guild's profile is created if needed, and the user is redirected to
// the plain dashboard URL.
//
// Responses:
//   - 200 OK: The dashboard page.
//   - 302 Found: After handling the bot install return flow.
//   - 500 Internal Server Error: On database errors.
func (h *APIHandlers) dashboard(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()
	user := sessionUser(c)

	code := c.Query("code")
	guildID := c.Query("guild_id")
	if code != "" && guildID != "" {
		created, err := h.p.db.EnsureGuildProfile(ctx, guildID)
		if err != nil {
			logger.Error("error creating guild profile", "guild_id", guildID, tint.Err(err))
			c.String(http.StatusInternalServerError, internalError)
			return
		}
		if created {
			logger.Info("created guild profile", "guild_id", guildID, "user_id", user.ID)
		}
		c.Redirect(http.StatusFound, apiPathDashboard)
		return
	}

	owned := user.OwnedGuilds()
	existing, err := h.p.db.ExistingGuildIDs(ctx, guildIDs(owned))
	if err != nil {
		logger.Error("error looking up guild profiles", tint.Err(err))
		c.String(http.StatusInternalServerError, internalError)
		return
	}

	discordCfg := h.p.config.Discord
	externalURL := h.p.config.API.ExternalURL
	guilds := dashboardGuilds(
		owned, existing, func(id string) string {
			return botInviteURL(discordCfg.ClientID, discordCfg.BotPermissions, externalURL, id)
		},
	)

	h.renderer.Page(
		c, http.StatusOK, "Dashboard", "dashboard", gin.H{
			templateDataUser: user,
			"Guilds":         guilds,
			"TimeOfDay":      greetingAt(time.Now(), h.p.location),
		},
	)
}

// guildDashboard renders the dashboard shell for a guild in the user's
// session guild list, or the 404 page if it's not there
func (h *APIHandlers) guildDashboard(c *gin.Context) {
	user := sessionUser(c)
	guildID := c.Param("guildId")
	guild, ok := user.FindGuild(guildID)
	if !ok {
		h.renderer.NotFound(c, user)
		return
	}
	h.renderer.Page(
		c, http.StatusOK, fmt.Sprintf("%s Dashboard", guild.Name), guildDashboardTemplate, gin.H{
			templateDataUser: user,
			"Guild":          &guild,
			"GuildID":        guildID,
			"Section":        "",
			"SectionBody":    template.HTML(""),
		},
	)
}

type sectionLoader func(c *gin.Context, guildID string) (gin.H, error)

// subPage returns a handler for a guild dashboard section. Partial
// requests get the section fragment alone; otherwise it's rendered inside
// the guild dashboard shell.
func (h *APIHandlers) subPage(section string, title string, load sectionLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		guildID := c.Param("guildId")
		data := gin.H{"GuildID": guildID}
		if load != nil {
			extra, err := load(c, guildID)
			if err != nil {
				ginContextLogger(c).Error(
					"error loading section",
					"section", section,
					"guild_id", guildID,
					tint.Err(err),
				)
				c.String(http.StatusInternalServerError, internalError)
				return
			}
			for k, v := range extra {
				data[k] = v
			}
		}

		if isPartialRequest(c.Request) {
			h.renderer.Fragment(c, http.StatusOK, section, data)
			return
		}

		body, err := h.renderer.Partial(section, data)
		if err != nil {
			h.renderer.fail(c, err, section)
			return
		}
		user := sessionUser(c)
		shell := gin.H{
			templateDataUser: user,
			"GuildID":        guildID,
			"Section":        section,
			"SectionBody":    body,
		}
		if user != nil {
			if guild, ok := user.FindGuild(guildID); ok {
				shell["Guild"] = &guild
			}
		}
		h.renderer.Page(c, http.StatusOK, title, guildDashboardTemplate, shell)
	}
}

// loadOverview loads the guild's profile. A missing profile isn't an
// error, the overview shows the guild as not set up.
func (h *APIHandlers) loadOverview(c *gin.Context, guildID string) (gin.H, error) {
	profile, err := h.p.db.GetGuildProfile(c.Request.Context(), guildID)
	switch {
	case errors.Is(err, ErrGuildNotFound):
		return gin.H{"Profile": nil}, nil
	case err != nil:
		return nil, err
	}
	return gin.H{"Profile": profile, "DefaultPrefix": h.p.config.Discord.Prefix}, nil
}
