// Package userdir answers which IANA timezone an owner lives in.
package userdir

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/period"
)

// Directory looks up an owner's timezone name
type Directory interface {
	Timezone(ctx context.Context, ownerID int64) (string, error)
}

// Static is an in-memory directory
type Static struct {
	mu       sync.RWMutex
	zones    map[int64]string
	fallback string
}

// NewStatic creates a directory answering fallback for unknown owners
func NewStatic(fallback string) *Static {
	return &Static{zones: make(map[int64]string), fallback: fallback}
}

// Set assigns an owner's timezone
func (s *Static) Set(ownerID int64, tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[ownerID] = tz
}

func (s *Static) Timezone(ctx context.Context, ownerID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tz, ok := s.zones[ownerID]; ok {
		return tz, nil
	}
	return s.fallback, nil
}

type userRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Timezone  string `gorm:"size:64;not null;default:''"`
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

// SQL reads timezones from the shared users table
type SQL struct {
	db       *gorm.DB
	fallback string
}

// NewSQL creates a directory over db
func NewSQL(db *gorm.DB, fallback string) *SQL {
	return &SQL{db: db, fallback: fallback}
}

// Migrate creates the users table when the scheduler owns its own database
func (d *SQL) Migrate() error {
	if err := d.db.AutoMigrate(&userRow{}); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

func (d *SQL) Timezone(ctx context.Context, ownerID int64) (string, error) {
	var row userRow
	err := d.db.WithContext(ctx).Select("id", "timezone").Where("id = ?", ownerID).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return d.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup timezone of owner %d: %w", ownerID, err)
	}
	if strings.TrimSpace(row.Timezone) == "" {
		return d.fallback, nil
	}
	return row.Timezone, nil
}

// SetTimezone stores an owner's timezone
func (d *SQL) SetTimezone(ctx context.Context, ownerID int64, tz string) error {
	if _, err := period.LoadLocation(tz); err != nil {
		return err
	}
	row := userRow{ID: ownerID, Timezone: tz}
	if err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timezone", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("set timezone of owner %d: %w", ownerID, err)
	}
	return nil
}

// Locator turns directory answers into locations, caching loaded zones
type Locator struct {
	dir      Directory
	fallback *time.Location
	cache    sync.Map
	log      logger.Logger
}

// NewLocator wraps dir. Unknown or invalid zone names resolve to fallback.
func NewLocator(dir Directory, fallback *time.Location) *Locator {
	if fallback == nil {
		fallback = time.UTC
	}
	return &Locator{
		dir:      dir,
		fallback: fallback,
		log:      logger.Default().WithComponent(logger.ComponentScanner),
	}
}

// Location returns the owner's location. Directory failures are returned;
// an unloadable zone name falls back with a warning.
func (l *Locator) Location(ctx context.Context, ownerID int64) (*time.Location, error) {
	name, err := l.dir.Timezone(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return l.fallback, nil
	}
	if loc, ok := l.cache.Load(name); ok {
		return loc.(*time.Location), nil
	}

	loc, err := period.LoadLocation(name)
	if err != nil {
		l.log.Warn("Unknown owner timezone, using fallback",
			"owner_id", ownerID,
			"timezone", name,
			"fallback", l.fallback.String())
		return l.fallback, nil
	}
	l.cache.Store(name, loc)
	return loc, nil
}
