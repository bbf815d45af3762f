package plugboard

import (
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"time"
)

// PluginDescriptor is a catalog entry for an installable plugin.
// ModelStringID.ID is the plugin's external identifier.
type PluginDescriptor struct {
	ModelStringID
	Name          string         `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Tags          []string       `gorm:"serializer:json" json:"tags"`
	Premium       bool           `gorm:"not null;default:false" json:"premium"`
	Description   string         `json:"description"`
	Image         string         `json:"image"`
	DownloadCount int            `gorm:"not null;default:0" json:"downloadCount"`
	RateCount     []PluginRating `gorm:"serializer:json" json:"rateCount"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (PluginDescriptor) TableName() string {
	return "plugins"
}

// AverageRating returns the mean star rating, or 0 with no ratings
func (p PluginDescriptor) AverageRating() float64 {
	if len(p.RateCount) == 0 {
		return 0
	}
	var total int
	for _, r := range p.RateCount {
		total += r.Star
	}
	return float64(total) / float64(len(p.RateCount))
}

type PluginRating struct {
	Star int `json:"star"`
}

func normalizePlugin(p *PluginDescriptor) {
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.RateCount == nil {
		p.RateCount = []PluginRating{}
	}
}

func (d *database) ListPlugins(ctx context.Context) ([]PluginDescriptor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	plugins := []PluginDescriptor{}
	if err := d.db.WithContext(ctx).Order("created_at, id").Find(&plugins).Error; err != nil {
		return nil, err
	}
	for i := range plugins {
		normalizePlugin(&plugins[i])
	}
	return plugins, nil
}

func (d *database) GetPlugin(ctx context.Context, pluginID string) (*PluginDescriptor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var plugin PluginDescriptor
	if err := d.db.WithContext(ctx).Where("id = ?", pluginID).Take(&plugin).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPluginNotFound
		}
		return nil, err
	}
	normalizePlugin(&plugin)
	return &plugin, nil
}

func (d *database) GetPluginsByID(
	ctx context.Context,
	pluginIDs []string,
) (map[string]PluginDescriptor, error) {
	result := make(map[string]PluginDescriptor, len(pluginIDs))
	if len(pluginIDs) == 0 {
		return result, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var plugins []PluginDescriptor
	if err := d.db.WithContext(ctx).Where("id IN ?", pluginIDs).Find(&plugins).Error; err != nil {
		return nil, err
	}
	for _, p := range plugins {
		normalizePlugin(&p)
		result[p.ID] = p
	}
	return result, nil
}

// SavePlugins inserts the given plugins, replacing any existing
// catalog entries with the same ID.
func (d *database) SavePlugins(ctx context.Context, plugins ...PluginDescriptor) (int64, error) {
	if len(plugins) == 0 {
		return 0, nil
	}
	d.lock()
	defer d.unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&plugins)
	return rv.RowsAffected, rv.Error
}

func (d *database) DeleteAllPlugins(ctx context.Context) (int64, error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Where("1 = 1").Delete(&PluginDescriptor{})
	return rv.RowsAffected, rv.Error
}
