package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"taskbridge/crypto"
)

// ErrNotFound is returned when no record matches the requested identity.
var ErrNotFound = errors.New("metadata: record not found")

// Store persists task metadata and published public keys.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for orphan stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to dsn and migrates the schema. postgres:// and postgresql://
// URLs (or key=value DSNs containing host=) select Postgres; anything else is
// treated as an SQLite path, optionally prefixed with sqlite://.
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("metadata: dsn required")
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"), strings.Contains(trimmed, "host="):
		dialector = postgres.Open(trimmed)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(trimmed, "sqlite://"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("metadata: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("metadata: migrate: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an already migrated database handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Upsert creates the record or rewrites its mutable fields. created reports
// whether a new row was inserted. A rewrite clears any orphan mark because the
// caller has just confirmed the task on the ledger.
func (s *Store) Upsert(ctx context.Context, rec *TaskRecord) (bool, error) {
	if rec == nil {
		return false, errors.New("metadata: record required")
	}
	rec.CreatorAddress = strings.ToLower(strings.TrimSpace(rec.CreatorAddress))
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing TaskRecord
		err := tx.Where("chain_id = ? AND task_id = ?", rec.ChainID, rec.TaskID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			return tx.Create(rec).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"title":           rec.Title,
			"description":     rec.Description,
			"contacts":        rec.Contacts,
			"creator_address": rec.CreatorAddress,
			"category":        rec.Category,
			"orphaned_at":     nil,
			"orphan_reason":   "",
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return err
		}
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = existing.UpdatedAt
		rec.OrphanedAt = nil
		rec.OrphanReason = ""
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("metadata: upsert task %s: %w", rec.TaskID, err)
	}
	return created, nil
}

// Get loads a single record.
func (s *Store) Get(ctx context.Context, chainID uint64, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("chain_id = ? AND task_id = ?", chainID, taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get task %s: %w", taskID, err)
	}
	return &rec, nil
}

// ListFilter narrows ListTasks.
type ListFilter struct {
	ChainID         uint64
	CreatedAfter    time.Time
	IncludeOrphaned bool
}

// ListTasks returns records for a chain ordered by creation time then id.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]TaskRecord, error) {
	query := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("chain_id = ?", filter.ChainID)
	if !filter.CreatedAfter.IsZero() {
		query = query.Where("created_at >= ?", filter.CreatedAfter)
	}
	if !filter.IncludeOrphaned {
		query = query.Where("orphaned_at IS NULL")
	}
	var records []TaskRecord
	if err := query.Order("created_at ASC").Order("task_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("metadata: list tasks: %w", err)
	}
	return records, nil
}

// MarkOrphan stamps the record as having no ledger counterpart. Marking an
// already orphaned record succeeds without changing the original stamp.
func (s *Store) MarkOrphan(ctx context.Context, chainID uint64, taskID, reason string) error {
	stamp := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("chain_id = ? AND task_id = ? AND orphaned_at IS NULL", chainID, taskID).
		Updates(map[string]any{"orphaned_at": stamp, "orphan_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("metadata: mark orphan %s: %w", taskID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Where("chain_id = ? AND task_id = ?", chainID, taskID).Count(&count).Error; err != nil {
		return fmt.Errorf("metadata: mark orphan %s: %w", taskID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePublicKey stores key for address unless one is already present. The
// stored key is returned either way.
func (s *Store) SavePublicKey(ctx context.Context, address common.Address, key []byte) ([]byte, error) {
	row := UserKey{Address: strings.ToLower(address.Hex()), PublicKey: key, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("metadata: save public key: %w", err)
	}
	return s.LookupPublicKey(ctx, address)
}

// LookupPublicKey implements crypto.PublicKeySource.
func (s *Store) LookupPublicKey(ctx context.Context, address common.Address) ([]byte, error) {
	var row UserKey
	err := s.db.WithContext(ctx).Where("address = ?", strings.ToLower(address.Hex())).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, crypto.ErrPublicKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: lookup public key: %w", err)
	}
	return row.PublicKey, nil
}

var _ crypto.PublicKeySource = (*Store)(nil)
