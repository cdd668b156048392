package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pollsync/pkg/storage"
)

const revisionSequence = "shared_entries_revision_seq"

// SharedEntry is one key of the shared store. Deletes leave a tombstone so
// that watchers polling by revision see them; tombstones are purged after
// TombstoneTTL.
type SharedEntry struct {
	Key       string `gorm:"primaryKey;type:varchar(255)"`
	Value     []byte `gorm:"type:bytea"`
	Deleted   bool   `gorm:"not null;default:false"`
	Revision  int64  `gorm:"not null;index"`
	UpdatedAt time.Time
}

func (SharedEntry) TableName() string { return "shared_entries" }

// PostgresConfig holds connection and change-feed settings.
type PostgresConfig struct {
	DSN          string
	PollInterval time.Duration // how often Watch looks for new revisions
	TombstoneTTL time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultPostgresConfig returns defaults suitable for sub-second heartbeats.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:          dsn,
		PollInterval: 100 * time.Millisecond,
		TombstoneTTL: time.Minute,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}
}

// PostgresKV is a storage.KV on a single revisioned table. Postgres has no
// change feed through GORM, so Watch polls for revisions newer than the
// last one it delivered.
type PostgresKV struct {
	db     *gorm.DB
	cfg    PostgresConfig
	logger *zap.Logger
}

var _ storage.KV = (*PostgresKV)(nil)

// NewPostgresKV opens the connection and migrates the schema.
func NewPostgresKV(cfg PostgresConfig, log *zap.Logger) (*PostgresKV, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.Exec("CREATE SEQUENCE IF NOT EXISTS " + revisionSequence).Error; err != nil {
		return nil, fmt.Errorf("failed to create revision sequence: %w", err)
	}
	if err := db.AutoMigrate(&SharedEntry{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = time.Minute
	}
	return &PostgresKV{db: db, cfg: cfg, logger: log.Named("postgres-kv")}, nil
}

func (s *PostgresKV) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var entry SharedEntry
	result := s.db.WithContext(ctx).
		Where("key = ? AND deleted = ?", key, false).
		First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, result.Error)
	}
	return entry.Value, nil
}

func (s *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO shared_entries (key, value, deleted, revision, updated_at)
		VALUES (?, ?, false, nextval('`+revisionSequence+`'), now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, deleted = false,
		    revision = EXCLUDED.revision, updated_at = EXCLUDED.updated_at`,
		key, value)
	if result.Error != nil {
		return fmt.Errorf("failed to set %s: %w", key, result.Error)
	}
	return nil
}

func (s *PostgresKV) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE shared_entries
		SET deleted = true, value = NULL,
		    revision = nextval('`+revisionSequence+`'), updated_at = now()
		WHERE key = ? AND deleted = false`, key)
	if result.Error != nil {
		return fmt.Errorf("failed to delete %s: %w", key, result.Error)
	}
	return nil
}

// Watch delivers revisions written after the call, in revision order. A
// revision whose transaction commits after a higher one was already read
// is skipped; notifications are best-effort like every other backend.
func (s *PostgresKV) Watch(ctx context.Context) (<-chan storage.ChangeEvent, error) {
	var last int64
	row := s.db.WithContext(ctx).Model(&SharedEntry{}).Select("COALESCE(MAX(revision), 0)").Row()
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read current revision: %w", err)
	}

	out := make(chan storage.ChangeEvent, 256)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		purge := time.NewTicker(s.cfg.TombstoneTTL)
		defer purge.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-purge.C:
				s.purgeTombstones(ctx)
			case <-ticker.C:
				var entries []SharedEntry
				result := s.db.WithContext(ctx).
					Where("revision > ?", last).
					Order("revision asc").
					Limit(500).
					Find(&entries)
				if result.Error != nil {
					if ctx.Err() == nil {
						s.logger.Warn("change poll failed", zap.Error(result.Error))
					}
					continue
				}
				for _, e := range entries {
					last = e.Revision
					ev := storage.ChangeEvent{Key: e.Key, Value: e.Value, Deleted: e.Deleted}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (s *PostgresKV) purgeTombstones(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TombstoneTTL)
	result := s.db.WithContext(ctx).
		Where("deleted = ? AND updated_at < ?", true, cutoff).
		Delete(&SharedEntry{})
	if result.Error != nil && ctx.Err() == nil {
		s.logger.Warn("tombstone purge failed", zap.Error(result.Error))
	}
}
