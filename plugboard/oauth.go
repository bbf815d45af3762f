package plugboard

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"
	"net/http"
	"time"
)

const (
	discordAuthURL  = "https://discord.com/oauth2/authorize"
	discordTokenURL = "https://discord.com/api/oauth2/token"

	discordGuildPageSize = 200
)

var discordOAuthScopes = []string{"identify", "guilds"}

var ErrOAuthExchange = errors.New("oauth exchange failed")

// IdentityProvider authenticates dashboard users with an OAuth2
// authorization code flow, and loads their identity and guild list.
type IdentityProvider interface {
	// AuthCodeURL returns the provider's authorization URL for the given
	// state value
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for the user's identity
	// and guild list
	Exchange(ctx context.Context, code string) (*SessionUser, error)

	// RefreshGuilds reloads the user's guild list, refreshing the access
	// token if needed
	RefreshGuilds(ctx context.Context, user *SessionUser) error
}

// SessionUser is the identity stored in a dashboard login session
type SessionUser struct {
	ID              string
	Username        string
	Avatar          string
	Guilds          []SessionGuild
	GuildsFetchedAt time.Time
	AccessToken     string
	RefreshToken    string
	TokenExpiry     time.Time
}

// SessionGuild is the subset of a discord guild kept in the session
type SessionGuild struct {
	ID          string
	Name        string
	Icon        string
	Owner       bool
	Permissions int64
}

func (u *SessionUser) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		Expiry:       u.TokenExpiry,
		TokenType:    "Bearer",
	}
}

func (u *SessionUser) setToken(t *oauth2.Token) {
	u.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		u.RefreshToken = t.RefreshToken
	}
	u.TokenExpiry = t.Expiry
}

// FindGuild returns the guild with the given ID from the session, if
// the user belongs to it
func (u *SessionUser) FindGuild(guildID string) (SessionGuild, bool) {
	for _, g := range u.Guilds {
		if g.ID == guildID {
			return g, true
		}
	}
	return SessionGuild{}, false
}

// OwnedGuilds returns the guilds the user owns, in session order
func (u *SessionUser) OwnedGuilds() []SessionGuild {
	owned := make([]SessionGuild, 0, len(u.Guilds))
	for _, g := range u.Guilds {
		if g.Owner {
			owned = append(owned, g)
		}
	}
	return owned
}

// discordOAuth implements IdentityProvider against discord's OAuth2
// endpoints and REST API.
type discordOAuth struct {
	config     *oauth2.Config
	httpClient *http.Client
	apiURL     string
}

func newDiscordOAuth(cfg *DiscordConfig, externalURL string, httpClient *http.Client) *discordOAuth {
	redirectURL := cfg.RedirectURL
	if redirectURL == "" {
		redirectURL = externalURL + apiPathCallback
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &discordOAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       discordOAuthScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   discordAuthURL,
				TokenURL:  discordTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

func (o *discordOAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

func (o *discordOAuth) Exchange(ctx context.Context, code string) (*SessionUser, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOAuthExchange, err)
	}

	s, err := o.session(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	u, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error fetching user: %w", err)
	}

	user := &SessionUser{
		ID:       u.ID,
		Username: u.Username,
		Avatar:   u.Avatar,
	}
	user.setToken(tok)

	if err = o.loadGuilds(ctx, s, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (o *discordOAuth) RefreshGuilds(ctx context.Context, user *SessionUser) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.config.TokenSource(ctx, user.token()).Token()
	if err != nil {
		return fmt.Errorf("error refreshing token: %w", err)
	}
	user.setToken(tok)

	s, err := o.session(tok.AccessToken)
	if err != nil {
		return err
	}
	return o.loadGuilds(ctx, s, user)
}

func (o *discordOAuth) session(accessToken string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bearer " + accessToken)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	s.Client = o.httpClient
	return s, nil
}

// loadGuilds pages through the user's guilds and replaces the guild
// list in the session
func (o *discordOAuth) loadGuilds(
	ctx context.Context,
	s *discordgo.Session,
	user *SessionUser,
) error {
	var guilds []SessionGuild
	afterID := ""
	for {
		page, err := s.UserGuilds(
			discordGuildPageSize,
			"",
			afterID,
			false,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("error fetching guilds: %w", err)
		}
		for _, g := range page {
			guilds = append(
				guilds, SessionGuild{
					ID:          g.ID,
					Name:        g.Name,
					Icon:        g.Icon,
					Owner:       g.Owner,
					Permissions: g.Permissions,
				},
			)
		}
		if len(page) < discordGuildPageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}
	if guilds == nil {
		guilds = []SessionGuild{}
	}
	user.Guilds = guilds
	user.GuildsFetchedAt = time.Now()
	return nil
}

//nolint:gochecknoinits // session values are gob-encoded
func init() {
	gob.Register(SessionUser{})
	gob.Register(SessionGuild{})
}
