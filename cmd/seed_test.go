package cmd

import (
	"bytes"
	"github.com/arcward/plugboard/plugboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestSeedCommand(t *testing.T) {
	resetConfig(t)

	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("PB_DATABASE_TYPE", "sqlite")
	os.Setenv("PB_DATABASE", dbPath)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			seedCount = 10
			seedClear = false
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"seed", "--count", "7"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Contains(t, out.String(), "Seeded 7 plugins")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var count int64
	require.NoError(t, db.Model(&plugboard.PluginDescriptor{}).Count(&count).Error)
	assert.Equal(t, int64(7), count)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&plugboard.PluginDescriptor{}))
	assert.True(t, mg.HasTable(&plugboard.GuildProfile{}))

	// re-seeding with --clear replaces the catalog
	out.Reset()
	rootCmd.SetArgs([]string{"seed", "--count", "3", "--clear"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Seeded 3 plugins")

	require.NoError(t, db.Model(&plugboard.PluginDescriptor{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}
