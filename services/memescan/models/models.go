package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckpointActivity names the cursor row used by the activity stream consumer.
const CheckpointActivity = "activity"

// Activity is one ledger feed entry, keyed by its stream sequence so
// replayed frames never duplicate rows.
type Activity struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:32;index"`
	MemeID     string `gorm:"size:128;index"`
	Actor      string `gorm:"size:90;index"`
	OccurredAt uint64
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// Meme mirrors the node's registry entry for one meme, maintained from the
// activity stream with detail backfilled over RPC at mint time.
type Meme struct {
	ID            string `gorm:"primaryKey;size:128"`
	Owner         string `gorm:"size:90;index"`
	Creator       string `gorm:"size:90;index"`
	MediaURL      string `gorm:"size:512"`
	Title         string `gorm:"size:256"`
	Description   string `gorm:"type:text"`
	Royalty       uint8
	LikesCount    uint32
	CommentsCount uint32
	LastLikeAt    uint64
	LastSequence  uint64 `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Checkpoint stores the resume cursor for a stream consumer.
type Checkpoint struct {
	Name      string `gorm:"primaryKey;size:64"`
	Cursor    string `gorm:"size:32"`
	Sequence  uint64
	UpdatedAt time.Time
}

// ExportRun records one registry snapshot written to disk.
type ExportRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence    uint64
	MemeCount   int
	ParquetPath string `gorm:"size:512"`
	Digest      string `gorm:"size:64"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Activity{},
		&Meme{},
		&Checkpoint{},
		&ExportRun{},
	)
}
