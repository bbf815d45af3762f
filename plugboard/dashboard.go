package plugboard

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	styleClassMissing = "transparent"

	headerRequestedWith = "X-Requested-With"
	xmlHTTPRequest      = "XMLHttpRequest"
)

// dashboardGuild is an owned guild, as listed on the dashboard
type dashboardGuild struct {
	ID         string
	Name       string
	Icon       string
	ExistsInDB bool
	StyleClass string
	InviteURL  string
}

// greeting returns the time-of-day greeting for the given hour (0-23)
func greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Good Morning"
	case hour >= 12 && hour < 17:
		return "Good Afternoon"
	case hour >= 17 && hour < 21:
		return "Good Evening"
	default:
		return "Good Night"
	}
}

func greetingAt(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return greeting(t.Hour())
}

// dashboardGuilds tags each of the user's owned guilds with whether a
// profile exists, existing guilds first. Relative order is otherwise
// preserved.
func dashboardGuilds(
	guilds []SessionGuild,
	existing map[string]bool,
	inviteURL func(guildID string) string,
) []dashboardGuild {
	result := make([]dashboardGuild, 0, len(guilds))
	for _, g := range guilds {
		dg := dashboardGuild{
			ID:         g.ID,
			Name:       g.Name,
			Icon:       g.Icon,
			ExistsInDB: existing[g.ID],
			StyleClass: styleClassMissing,
		}
		if dg.ExistsInDB {
			dg.StyleClass = ""
		}
		if inviteURL != nil {
			dg.InviteURL = inviteURL(g.ID)
		}
		result = append(result, dg)
	}
	sort.SliceStable(
		result, func(i, j int) bool {
			return result[i].ExistsInDB && !result[j].ExistsInDB
		},
	)
	return result
}

func guildIDs(guilds []SessionGuild) []string {
	ids := make([]string, 0, len(guilds))
	for _, g := range guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

// isPartialRequest reports whether the request only wants an HTML
// fragment: either an XHR, or a client that doesn't accept text/html.
func isPartialRequest(r *http.Request) bool {
	if r.Header.Get(headerRequestedWith) == xmlHTTPRequest {
		return true
	}
	return !strings.Contains(r.Header.Get("Accept"), "text/html")
}

// botInviteURL returns the URL that adds the bot to guildID. Discord
// redirects back to /dashboard with 'code' and 'guild_id' afterward.
func botInviteURL(clientID string, permissions int64, externalURL string, guildID string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("scope", "bot")
	q.Set("permissions", strconv.FormatInt(permissions, 10))
	q.Set("guild_id", guildID)
	q.Set("disable_guild_select", "true")
	q.Set("response_type", "code")
	q.Set("redirect_uri", strings.TrimRight(externalURL, "/")+apiPathDashboard)
	return discordAuthURL + "?" + q.Encode()
}
