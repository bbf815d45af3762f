package plugboard

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
	dbTypeMySQL    = "mysql"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

var (
	ErrGuildNotFound  = errors.New("guild not found")
	ErrPluginNotFound = errors.New("plugin not found")
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey;size:128" json:"id"`
}

// DBI defines the persistence operations used by the bot and the web
// dashboard. [database] implements it over GORM.
type DBI interface {
	DB() *gorm.DB

	// EnsureGuildProfile creates an empty GuildProfile for guildID if one
	// doesn't exist. created is true if a new profile was inserted.
	EnsureGuildProfile(ctx context.Context, guildID string) (created bool, err error)

	// GetGuildProfile returns the profile for guildID, with its plugins in
	// installation order. Returns ErrGuildNotFound if absent.
	GetGuildProfile(ctx context.Context, guildID string) (*GuildProfile, error)

	// GuildPrefix returns the command prefix set for the guild, or an
	// empty string if the guild has no profile.
	GuildPrefix(ctx context.Context, guildID string) (string, error)

	// ExistingGuildIDs returns the subset of guildIDs that have a profile
	ExistingGuildIDs(ctx context.Context, guildIDs []string) (map[string]bool, error)

	// InstallPlugin enables pluginID for guildID, appending it to the
	// guild's plugin list if it isn't already present.
	InstallPlugin(ctx context.Context, guildID string, pluginID string) error

	ListPlugins(ctx context.Context) ([]PluginDescriptor, error)
	GetPlugin(ctx context.Context, pluginID string) (*PluginDescriptor, error)
	GetPluginsByID(ctx context.Context, pluginIDs []string) (map[string]PluginDescriptor, error)
	SavePlugins(ctx context.Context, plugins ...PluginDescriptor) (int64, error)
	DeleteAllPlugins(ctx context.Context) (int64, error)
}

// database implements DBI. When concurrent writes are disabled (SQLite),
// writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps the given GORM connection. enableConcurrentWrites
// should be false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout if ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateDB opens a database connection of the given type, applies
// connection settings and migrates the schema.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: 'sqlite', 'postgres' or 'mysql'
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	return openDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(handler, 500*time.Millisecond),
		slog.New(handler).With(loggerNameKey, "database"),
	)
}

func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger logger.Interface,
	log *slog.Logger,
) (*gorm.DB, error) {
	log.InfoContext(ctx, "initializing database", "database_type", databaseType)

	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, fmt.Errorf("error getting database connection: %w", e)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = migrate(ctx, db); err != nil {
		log.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return nil, err
	}
	log.DebugContext(ctx, "finished migrating database")
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return fmt.Errorf("error starting migration: %w", txn.Error)
	}
	err := txn.Migrator().AutoMigrate(
		&GuildProfile{},
		&GuildPlugin{},
		&PluginDescriptor{},
		&sessionRecord{},
	)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing migration: %w", commitErr)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite', 'postgres' or 'mysql'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if database != ":memory:" && !strings.HasPrefix(database, "file:") {
			parentDir := filepath.Dir(database)
			if parentDir != "" {
				if err := os.MkdirAll(parentDir, 0755); err != nil {
					if !errors.Is(err, os.ErrExist) {
						return nil, err
					}
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	case dbTypeMySQL:
		return gorm.Open(mysql.Open(mysqlDSN(database)), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q, %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres, dbTypeMySQL,
		)
	}
}

// mysqlDSN ensures time columns are scanned into time.Time
func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}
