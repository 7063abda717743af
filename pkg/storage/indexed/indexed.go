// Package indexed implements a structured-store backend with a timestamp index,
// on SQLite by default or MySQL, through gorm.
package indexed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

// Entry is one stored key
type Entry struct {
	Key       string    `gorm:"column:entry_key;primaryKey;type:varchar(255)"`
	Value     []byte    `gorm:"not null"`
	IndexedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName specifies the table name for the Entry model
func (Entry) TableName() string {
	return "recovery_entries"
}

// Store is a storage.TimeIndexed backed by a gorm database
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open connects to the indexed store and migrates its schema.
// dialect is "sqlite" (target is a file path) or "mysql" (target is a DSN).
func Open(dialect, target string, debug bool, log *logrus.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite", "":
		dialector = sqlite.Open(target + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "mysql":
		dialector = mysql.Open(target)
	default:
		return nil, fmt.Errorf("unsupported indexed dialect: %s", dialect)
	}

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to indexed store: %w", err)
	}

	return New(db, log)
}

// New wraps an open gorm connection and runs migrations
func New(db *gorm.DB, log *logrus.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate indexed store: %w", err)
	}
	s := &Store{db: db, logger: logging.OrDefault(log)}
	s.logger.WithFields(logrus.Fields{
		"dialect": db.Dialector.Name(),
		"table":   Entry{}.TableName(),
	}).Debug("Indexed store ready")
	return s, nil
}

// Name returns the backend name
func (s *Store) Name() string { return "indexed" }

// Put stores value indexed at the current time
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.PutAt(ctx, key, value, time.Now())
}

// PutAt stores value with an explicit index timestamp, replacing any existing entry
func (s *Store) PutAt(ctx context.Context, key string, value []byte, ts time.Time) error {
	entry := Entry{
		Key:       key,
		Value:     value,
		IndexedAt: ts.UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "indexed_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return entry.Value, nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListKeys returns keys with prefix in lexical order
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.listKeys(ctx, prefix, "entry_key ASC")
}

// ListKeysByTime returns keys with prefix, newest first
func (s *Store) ListKeysByTime(ctx context.Context, prefix string) ([]string, error) {
	return s.listKeys(ctx, prefix, "indexed_at DESC, entry_key DESC")
}

func (s *Store) listKeys(ctx context.Context, prefix, order string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("entry_key LIKE ? ESCAPE '!'", likePrefix(prefix)).
		Order(order).
		Pluck("entry_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Probe pings the connection and performs a write/delete round trip
func (s *Store) Probe(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("indexed store unreachable: %w", err)
	}
	if err := s.Put(ctx, storage.ProbeKey, []byte("ok")); err != nil {
		return err
	}
	return s.Delete(ctx, storage.ProbeKey)
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// likePrefix escapes LIKE wildcards in prefix, using '!' as the escape character
func likePrefix(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix) + "%"
}
