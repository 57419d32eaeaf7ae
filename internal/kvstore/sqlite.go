package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one stored key. ExpiresAt is unix milliseconds, 0 for no expiry.
type Entry struct {
	Name      string    `gorm:"primaryKey;size:512"`
	Value     string    `gorm:"type:text;not null"`
	ExpiresAt int64     `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Entry) TableName() string { return "kv_entries" }

// SQLite is a Store backed by a sqlite database file.
type SQLite struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// OpenSQLite opens (or creates) the database at path. ":memory:" works for tests.
func OpenSQLite(path string, clock clockwork.Clock) (*SQLite, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" one database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &SQLite{db: db, clock: clock}, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := Entry{Name: key, Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.clock.Now().Add(ttl).UnixMilli()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&e).Error
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).
		Where("name = ? AND (expires_at = 0 OR expires_at > ?)", key, s.clock.Now().UnixMilli()).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	return e.Value, true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <> 0 AND expires_at <= ?", s.clock.Now().UnixMilli()).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
