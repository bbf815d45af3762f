package plugboard

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"math/rand"
	"testing"
	"time"
)

func TestPluginDescriptor_AverageRating(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, PluginDescriptor{}.AverageRating())

	p := PluginDescriptor{RateCount: []PluginRating{{Star: 5}, {Star: 4}, {Star: 3}}}
	assert.Equal(t, 4.0, p.AverageRating())
}

func TestListPlugins(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	plugins, err := db.ListPlugins(ctx)
	require.NoError(t, err)
	assert.NotNil(t, plugins)
	assert.Empty(t, plugins)

	seedTestPlugins(t, db, 3)
	plugins, err = db.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 3)
	assert.Equal(t, "plugin-1", plugins[0].ID)
	assert.Equal(t, "plugin-3", plugins[2].ID)
	assert.Equal(t, []string{"utility"}, plugins[0].Tags)
	assert.NotNil(t, plugins[0].RateCount)
}

func TestGetPlugin(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	seedTestPlugins(t, db, 2)

	p, err := db.GetPlugin(ctx, "plugin-2")
	require.NoError(t, err)
	assert.Equal(t, "Plugin 2", p.Name)

	_, err = db.GetPlugin(ctx, "plugin-9")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestGetPluginsByID(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	seedTestPlugins(t, db, 3)

	found, err := db.GetPluginsByID(ctx, []string{"plugin-1", "plugin-3", "plugin-8"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "Plugin 3", found["plugin-3"].Name)

	found, err = db.GetPluginsByID(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSavePlugins_Replaces(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	plugins := seedTestPlugins(t, db, 1)

	updated := plugins[0]
	updated.Description = "updated description"
	updated.DownloadCount = 42
	_, err := db.SavePlugins(ctx, updated)
	require.NoError(t, err)

	p, err := db.GetPlugin(ctx, updated.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated description", p.Description)
	assert.Equal(t, 42, p.DownloadCount)

	n, err := db.SavePlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSamplePlugins(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	plugins := SamplePlugins(25, now, rand.New(rand.NewSource(1)))
	require.Len(t, plugins, 25)

	for i, p := range plugins {
		assert.Equalf(t, fmt.Sprintf("plugin-%d", i+1), p.ID, "plugin %d", i)
		assert.NotEmpty(t, p.Tags)
		assert.LessOrEqual(t, len(p.Tags), 3)
		assert.Less(t, len(p.RateCount), 10)
		for _, r := range p.RateCount {
			assert.GreaterOrEqual(t, r.Star, 1)
			assert.LessOrEqual(t, r.Star, 5)
		}
		assert.False(t, p.CreatedAt.After(now))
		assert.True(t, p.CreatedAt.After(now.Add(-31*24*time.Hour)))
		assert.Contains(t, p.Description, p.Name)
	}

	// deterministic for a given source
	again := SamplePlugins(25, now, rand.New(rand.NewSource(1)))
	assert.Equal(t, plugins, again)
}

func TestSeed(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	n, err := Seed(ctx, db, 5, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// re-seeding replaces entries with the same IDs
	_, err = Seed(ctx, db, 3, false)
	require.NoError(t, err)
	plugins, err := db.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Len(t, plugins, 5)

	_, err = Seed(ctx, db, 2, true)
	require.NoError(t, err)
	plugins, err = db.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Len(t, plugins, 2)
}

func TestSeed_ClearRolledBackOnInsertError(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	seedTestPlugins(t, db, 4)

	insertErr := errors.New("disk I/O error")
	require.NoError(
		t,
		db.DB().Callback().Create().Before("gorm:create").Register(
			"test:fail_plugin_insert", func(tx *gorm.DB) {
				if tx.Statement.Table == "plugins" {
					_ = tx.AddError(insertErr)
				}
			},
		),
	)

	n, err := Seed(ctx, db, 2, true)
	require.ErrorIs(t, err, insertErr)
	assert.Equal(t, int64(0), n)

	plugins, err := db.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Len(t, plugins, 4)
}
