package metadata

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the off-chain description of a ledger task. Records are never
// hard deleted; cleanup only stamps OrphanedAt.
type TaskRecord struct {
	ID             uint       `gorm:"primaryKey"`
	ChainID        uint64     `gorm:"not null;uniqueIndex:idx_task_identity,priority:1"`
	TaskID         string     `gorm:"size:80;not null;uniqueIndex:idx_task_identity,priority:2"`
	Title          string     `gorm:"size:200;not null"`
	Description    string     `gorm:"type:text;not null"`
	Contacts       string     `gorm:"type:text;not null"`
	CreatorAddress string     `gorm:"size:42;not null;index"`
	Category       string     `gorm:"size:64"`
	CreatedAt      time.Time  `gorm:"index"`
	UpdatedAt      time.Time
	OrphanedAt     *time.Time `gorm:"index"`
	OrphanReason   string     `gorm:"size:255"`
}

// Orphaned reports whether cleanup has marked the record.
func (r *TaskRecord) Orphaned() bool {
	return r != nil && r.OrphanedAt != nil
}

// UserKey stores the published secp256k1 public key for an account.
type UserKey struct {
	Address   string `gorm:"primaryKey;size:42"`
	PublicKey []byte `gorm:"not null"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the off-chain schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TaskRecord{}, &UserKey{})
}
