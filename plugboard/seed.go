package plugboard

import (
	"context"
	"fmt"
	"gorm.io/gorm"
	"math/rand"
	"time"
)

var samplePluginTags = []string{
	"utility",
	"moderation",
	"fun",
	"logging",
	"music",
	"admin",
	"games",
}

// SamplePlugins generates count catalog entries with IDs 'plugin-1'
// through 'plugin-<count>', random tags, ratings and download counts,
// and creation times within the 30 days before now.
func SamplePlugins(count int, now time.Time, rnd *rand.Rand) []PluginDescriptor {
	plugins := make([]PluginDescriptor, 0, count)
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("Plugin %d", i)

		tags := make([]string, 0, 3)
		for _, idx := range rnd.Perm(len(samplePluginTags))[:1+rnd.Intn(3)] {
			tags = append(tags, samplePluginTags[idx])
		}

		ratings := make([]PluginRating, rnd.Intn(10))
		for r := range ratings {
			ratings[r] = PluginRating{Star: 1 + rnd.Intn(5)}
		}

		plugins = append(
			plugins, PluginDescriptor{
				ModelStringID: ModelStringID{ID: fmt.Sprintf("plugin-%d", i)},
				Name:          name,
				Tags:          tags,
				Premium:       rnd.Intn(4) == 0,
				Description: fmt.Sprintf(
					"This is a description for %s. It's awesome and useful.",
					name,
				),
				Image:         fmt.Sprintf("https://example.com/icons/plugin%d.png", i),
				DownloadCount: rnd.Intn(1000),
				RateCount:     ratings,
				CreatedAt: now.Add(
					-time.Duration(rnd.Int63n(int64(30 * 24 * time.Hour))),
				).UTC(),
			},
		)
	}
	return plugins
}

// Seed writes sample plugins to the catalog. If clear is true, the
// existing catalog is deleted first.
func Seed(ctx context.Context, db DBI, count int, clear bool) (int64, error) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	plugins := SamplePlugins(count, time.Now(), rnd)

	var n int64
	err := db.DB().WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			txDB := NewDatabase(tx, nil, true)
			if clear {
				if _, err := txDB.DeleteAllPlugins(ctx); err != nil {
					return fmt.Errorf("error clearing plugins: %w", err)
				}
			}
			saved, err := txDB.SavePlugins(ctx, plugins...)
			if err != nil {
				return fmt.Errorf("error saving plugins: %w", err)
			}
			n = saved
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	return n, nil
}
