// Package store persists tasks, reminders, confirmations and delivery records
// with gorm. Uniqueness of (task, period key) and of (task, period key,
// idempotency key) is enforced by the database, not by application locks.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/muaviaUsmani/duebook/internal/logger"
)

// Options selects the database dialect and connection
type Options struct {
	// Driver is sqlite or mysql
	Driver string
	// DSN is a sqlite file path (or file: URI) or a mysql DSN
	DSN string
	// Logger receives gorm warnings and slow queries
	Logger logger.Logger
}

// Open connects to the database and runs migrations
func Open(opts Options) (*gorm.DB, error) {
	l := opts.Logger
	if l == nil {
		l = logger.Default()
	}
	l = l.WithComponent(logger.ComponentStore)

	cfg := &gorm.Config{
		Logger:         newGormLogger(l),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	switch opts.Driver {
	case "", "sqlite":
		if err := ensureDirForSQLite(opts.DSN); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(opts.DSN)), cfg)
	case "mysql":
		db, err = gorm.Open(mysql.Open(opts.DSN), cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	if opts.Driver == "mysql" {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	l.Info("Database ready", "driver", opts.Driver)
	return db, nil
}

// OpenMemory opens a private in-memory sqlite database named name
func OpenMemory(name string, l logger.Logger) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(name)
	return Open(Options{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Logger: l,
	})
}

// Migrate creates or updates the scheduler tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&taskRow{}, &reminderRow{}, &confirmationRow{}, &deliveryRow{}); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}
	return nil
}

// newGormLogger routes gorm's own logging through the component logger
func newGormLogger(l logger.Logger) gormlogger.Interface {
	return gormlogger.New(
		log.New(logger.NewWriter(l, logger.LevelWarn), "", 0),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// sqliteDSN adds a busy timeout so the API and scanner processes can share a file
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "duebook.db"
	}
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}

// ensureDirForSQLite creates the parent dir of a sqlite file if needed
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}
