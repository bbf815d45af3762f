package plugboard

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
)

const (
	columnGuildID  = "guild_id"
	columnPluginID = "plugin_id"
	columnEnabled  = "enabled"
	columnPrefix   = "prefix"

	SubscriptionFree    = "free"
	SubscriptionPremium = "premium"
)

// GuildProfile is the per-guild configuration record. It's created the
// first time a guild owner returns from the bot install flow, and is
// never deleted. An empty Prefix means the guild uses the configured
// command prefix.
type GuildProfile struct {
	ID           uint          `gorm:"primaryKey" json:"-"`
	GuildID      string        `gorm:"uniqueIndex;size:64;not null" json:"guildId"`
	Prefix       string        `gorm:"size:16;not null" json:"prefix"`
	Subscription string        `gorm:"size:32;not null;default:free" json:"subscriptionTier"`
	Plugins      []GuildPlugin `gorm:"foreignKey:GuildID;references:GuildID" json:"plugins"`
	Users        []string      `gorm:"serializer:json" json:"users"`
	ModelUnixTime
}

func (g GuildProfile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("prefix", g.Prefix),
		slog.String("subscription", g.Subscription),
		slog.Int("plugins", len(g.Plugins)),
	)
}

// EnabledPluginIDs returns the IDs of enabled plugins, in install order
func (g GuildProfile) EnabledPluginIDs() []string {
	ids := make([]string, 0, len(g.Plugins))
	for _, p := range g.Plugins {
		if p.Enabled {
			ids = append(ids, p.PluginID)
		}
	}
	return ids
}

// GuildPlugin is a single entry in a guild's plugin list. The unique
// index on (guild_id, plugin_id) keeps a plugin from appearing twice,
// and the ID gives the list its order.
type GuildPlugin struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	GuildID  string `gorm:"uniqueIndex:idx_guild_plugin;size:64;not null" json:"-"`
	PluginID string `gorm:"uniqueIndex:idx_guild_plugin;size:128;not null" json:"pluginId"`
	Enabled  bool   `gorm:"not null;default:false" json:"enabled"`
}

func (d *database) EnsureGuildProfile(ctx context.Context, guildID string) (bool, error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	profile := GuildProfile{
		GuildID:      guildID,
		Subscription: SubscriptionFree,
		Users:        []string{},
	}
	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildID}},
			DoNothing: true,
		},
	).Create(&profile)
	if rv.Error != nil {
		return false, fmt.Errorf("error creating guild profile: %w", rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

func (d *database) GetGuildProfile(ctx context.Context, guildID string) (*GuildProfile, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var profile GuildProfile
	err := d.db.WithContext(ctx).Preload(
		"Plugins", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		},
	).Where(columnGuildID+" = ?", guildID).Take(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGuildNotFound
		}
		return nil, err
	}
	if profile.Plugins == nil {
		profile.Plugins = []GuildPlugin{}
	}
	if profile.Users == nil {
		profile.Users = []string{}
	}
	return &profile, nil
}

func (d *database) GuildPrefix(ctx context.Context, guildID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var prefixes []string
	err := d.db.WithContext(ctx).Model(&GuildProfile{}).
		Where(columnGuildID+" = ?", guildID).
		Limit(1).
		Pluck(columnPrefix, &prefixes).Error
	if err != nil || len(prefixes) == 0 {
		return "", err
	}
	return prefixes[0], nil
}

func (d *database) ExistingGuildIDs(
	ctx context.Context,
	guildIDs []string,
) (map[string]bool, error) {
	existing := make(map[string]bool, len(guildIDs))
	if len(guildIDs) == 0 {
		return existing, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var found []string
	err := d.db.WithContext(ctx).Model(&GuildProfile{}).
		Where(columnGuildID+" IN ?", guildIDs).
		Pluck(columnGuildID, &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// InstallPlugin enables the plugin for the guild with a single upsert on
// (guild_id, plugin_id): an existing entry keeps its position and is
// re-enabled, otherwise a new entry is appended.
// Returns ErrGuildNotFound or ErrPluginNotFound if either doesn't exist.
func (d *database) InstallPlugin(ctx context.Context, guildID string, pluginID string) error {
	d.lock()
	defer d.unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var guildCount int64
			if err := tx.Model(&GuildProfile{}).
				Where(columnGuildID+" = ?", guildID).
				Count(&guildCount).Error; err != nil {
				return err
			}
			if guildCount == 0 {
				return ErrGuildNotFound
			}

			var pluginCount int64
			if err := tx.Model(&PluginDescriptor{}).
				Where("id = ?", pluginID).
				Count(&pluginCount).Error; err != nil {
				return err
			}
			if pluginCount == 0 {
				return ErrPluginNotFound
			}

			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: columnGuildID},
						{Name: columnPluginID},
					},
					DoUpdates: clause.Assignments(map[string]any{columnEnabled: true}),
				},
			).Create(
				&GuildPlugin{
					GuildID:  guildID,
					PluginID: pluginID,
					Enabled:  true,
				},
			).Error
		},
	)
}
