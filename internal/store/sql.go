package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"k8s.io/utils/clock"
)

// popAttempts bounds how often Pop retries when a concurrent drainer deleted
// the head row first.
const popAttempts = 8

type kvEntry struct {
	Key       string `gorm:"column:store_key;primaryKey"`
	Value     []byte
	ExpiresAt int64 `gorm:"index"`
}

func (kvEntry) TableName() string { return "kv_entries" }

// kvListItem rows are ordered by (seq, id). Push appends with seq 0;
// PushFront inserts below the current minimum seq.
type kvListItem struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Seq       int64  `gorm:"index"`
	Key       string `gorm:"column:store_key;index"`
	Value     []byte
	ExpiresAt int64 `gorm:"index"`
}

func (kvListItem) TableName() string { return "kv_list_items" }

// SQLStore persists keys in an embedded SQLite database through gorm.
// Expiry instants are stored as unix nanoseconds so comparisons stay exact.
type SQLStore struct {
	db    *gorm.DB
	clock clock.WithTicker
	log   logr.Logger
}

// NewSQLStore opens (creating if needed) the database at path.
func NewSQLStore(ctx context.Context, path string, clk clock.WithTicker, log logr.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a database path")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&kvEntry{}, &kvListItem{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLStore{db: db, clock: clk, log: log.WithName("sqlstore")}, nil
}

func (s *SQLStore) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *SQLStore) deadline(ttl time.Duration) int64 {
	return s.clock.Now().Add(ttl).UnixNano()
}

func (s *SQLStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_key = ? AND expires_at <= ?", key, s.now()).Delete(&kvEntry{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&kvEntry{
			Key:       key,
			Value:     value,
			ExpiresAt: s.deadline(ttl),
		})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	return created, err
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(&kvEntry{Key: key, Value: value, ExpiresAt: s.deadline(ttl)}).Error
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry kvEntry
	err := s.db.WithContext(ctx).
		Where("store_key = ? AND expires_at > ?", key, s.now()).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	now := s.now()
	var n int64
	if err := s.db.WithContext(ctx).Model(&kvEntry{}).
		Where("store_key = ? AND expires_at > ?", key, now).
		Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := s.db.WithContext(ctx).Model(&kvListItem{}).
		Where("store_key = ? AND expires_at > ?", key, now).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_key IN ?", keys).Delete(&kvEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("store_key IN ?", keys).Delete(&kvListItem{}).Error
	})
}

// Push appends value and moves the expiry of the whole list forward.
func (s *SQLStore) Push(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := s.deadline(ttl)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&kvListItem{Key: key, Value: value, ExpiresAt: expiresAt}).Error; err != nil {
			return err
		}
		return tx.Model(&kvListItem{}).
			Where("store_key = ?", key).
			Update("expires_at", expiresAt).Error
	})
}

func (s *SQLStore) PushFront(ctx context.Context, key string, values [][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	expiresAt := s.deadline(ttl)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head struct{ Seq *int64 }
		if err := tx.Model(&kvListItem{}).
			Select("MIN(seq) AS seq").
			Where("store_key = ?", key).
			Scan(&head).Error; err != nil {
			return err
		}
		base := int64(0)
		if head.Seq != nil && *head.Seq < base {
			base = *head.Seq
		}
		rows := make([]kvListItem, len(values))
		for i, v := range values {
			rows[i] = kvListItem{Seq: base - int64(len(values)-i), Key: key, Value: v, ExpiresAt: expiresAt}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		return tx.Model(&kvListItem{}).
			Where("store_key = ?", key).
			Update("expires_at", expiresAt).Error
	})
}

// Pop reads the head row and deletes it by id. A zero-row delete means a
// concurrent drainer took that row, so the read is retried.
func (s *SQLStore) Pop(ctx context.Context, key string) ([]byte, error) {
	for attempt := 0; attempt < popAttempts; attempt++ {
		var item kvListItem
		err := s.db.WithContext(ctx).
			Where("store_key = ? AND expires_at > ?", key, s.now()).
			Order("seq, id").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		res := s.db.WithContext(ctx).Where("id = ?", item.ID).Delete(&kvListItem{})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return item.Value, nil
		}
		s.log.V(1).Info("lost pop race, retrying", "key", key, "attempt", attempt)
	}
	return nil, fmt.Errorf("pop %s: too much contention", key)
}

func (s *SQLStore) Len(ctx context.Context, key string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&kvListItem{}).
		Where("store_key = ? AND expires_at > ?", key, s.now()).
		Count(&n).Error
	return int(n), err
}

// Run deletes expired rows every interval until ctx is done.
func (s *SQLStore) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.sweep(ctx); err != nil {
				s.log.Error(err, "sweep expired rows")
			}
		}
	}
}

func (s *SQLStore) sweep(ctx context.Context) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at <= ?", now).Delete(&kvEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("expires_at <= ?", now).Delete(&kvListItem{}).Error
	})
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
