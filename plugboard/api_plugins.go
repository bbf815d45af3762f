package plugboard

import (
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"net/http"
	"strings"
)

// installPluginRequest is the body of POST /install-plugin, as JSON or
// form values
type installPluginRequest struct {
	ID      string `json:"id" form:"id"`
	GuildID string `json:"guildId" form:"guildId"`
}

// installPlugin enables a catalog plugin for a guild.
//
// Responses:
//   - 200 OK: The plugin was installed (or re-enabled).
//   - 400 Bad Request: If 'id' or 'guildId' is missing.
//   - 404 Not Found: If the guild has no profile, or the plugin isn't in
//     the catalog.
//   - 500 Internal Server Error: On database errors.
func (h *APIHandlers) installPlugin(c *gin.Context) {
	logger := ginContextLogger(c)

	var req installPluginRequest
	if err := c.ShouldBind(&req); err != nil {
		logger.Warn("invalid install request", tint.Err(err))
		ginReplyError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.GuildID = strings.TrimSpace(req.GuildID)

	switch {
	case req.ID == "":
		ginReplyError(c, http.StatusBadRequest, "Plugin id is required")
		return
	case req.GuildID == "":
		ginReplyError(c, http.StatusBadRequest, "Guild ID is required")
		return
	}

	err := h.p.db.InstallPlugin(c.Request.Context(), req.GuildID, req.ID)
	switch {
	case errors.Is(err, ErrGuildNotFound):
		ginReplyError(c, http.StatusNotFound, "Guild not found")
		return
	case errors.Is(err, ErrPluginNotFound):
		ginReplyError(c, http.StatusNotFound, "Plugin not found")
		return
	case err != nil:
		logger.Error(
			"error installing plugin",
			"guild_id", req.GuildID,
			"plugin_id", req.ID,
			tint.Err(err),
		)
		ginReplyError(c, http.StatusInternalServerError, "Failed to install plugin")
		return
	}

	logger.Info("installed plugin", "guild_id", req.GuildID, "plugin_id", req.ID)
	ginReplyMessage(
		c,
		fmt.Sprintf("Plugin %s installed successfully for guild %s.", req.ID, req.GuildID),
	)
}

// listPlugins returns the whole plugin catalog.
//
// Responses:
//   - 200 OK: A JSON array of plugins.
//   - 500 Internal Server Error: On database errors.
func (h *APIHandlers) listPlugins(c *gin.Context) {
	plugins, err := h.p.db.ListPlugins(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing plugins", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "Failed to fetch plugins")
		return
	}
	c.JSON(http.StatusOK, plugins)
}

// guildProfile returns a guild's plugin list.
//
// Responses:
//   - 200 OK: A JSON array of the guild's plugins, in install order.
//   - 400 Bad Request: If the 'guildId' query parameter is missing.
//   - 404 Not Found: If the guild has no profile.
//   - 500 Internal Server Error: On database errors.
func (h *APIHandlers) guildProfile(c *gin.Context) {
	guildID := strings.TrimSpace(c.Query("guildId"))
	if guildID == "" {
		ginReplyError(c, http.StatusBadRequest, "Guild ID is required")
		return
	}

	profile, err := h.p.db.GetGuildProfile(c.Request.Context(), guildID)
	switch {
	case errors.Is(err, ErrGuildNotFound):
		ginReplyError(c, http.StatusNotFound, "Guild not found")
		return
	case err != nil:
		ginContextLogger(c).Error("error fetching guild profile", "guild_id", guildID, tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "Failed to fetch guild profile")
		return
	}
	c.JSON(http.StatusOK, profile.Plugins)
}
