package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"memefi/services/memescan/models"
)

func setupExportDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "memescan.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestExportWritesSnapshotAndManifest(t *testing.T) {
	db := setupExportDB(t)
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.Meme{
		ID:            "meme-1",
		Owner:         "alice",
		Creator:       "alice",
		MediaURL:      "ipfs://QmDoge",
		Title:         "Doge",
		Description:   "much wow",
		Royalty:       5,
		LikesCount:    3,
		CommentsCount: 2,
		LastLikeAt:    1010,
		LastSequence:  9,
		CreatedAt:     now,
		UpdatedAt:     now,
	}).Error)
	require.NoError(t, db.Create(&models.Meme{
		ID:           "meme-2",
		Owner:        "bob",
		Creator:      "bob",
		Title:        "Stonks",
		LastSequence: 11,
		CreatedAt:    now,
		UpdatedAt:    now,
	}).Error)
	require.NoError(t, db.Create(&models.Checkpoint{
		Name:      models.CheckpointActivity,
		Cursor:    "11",
		Sequence:  11,
		UpdatedAt: now,
	}).Error)

	exporter, err := New(Config{DB: db, OutputDir: t.TempDir(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	run, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, run.MemeCount)
	require.Equal(t, uint64(11), run.Sequence)

	raw, err := os.ReadFile(run.ParquetPath)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	sum := blake3.Sum256(raw)
	require.Equal(t, hex.EncodeToString(sum[:]), run.Digest)

	manifestRaw, err := os.ReadFile(run.ManifestPath)
	require.NoError(t, err)
	var doc struct {
		RunID     string `json:"runId"`
		Sequence  uint64 `json:"sequence"`
		MemeCount int    `json:"memeCount"`
		File      string `json:"file"`
		Blake3    string `json:"blake3"`
	}
	require.NoError(t, json.Unmarshal(manifestRaw, &doc))
	require.Equal(t, run.ID.String(), doc.RunID)
	require.Equal(t, uint64(11), doc.Sequence)
	require.Equal(t, 2, doc.MemeCount)
	require.Equal(t, "memes.parquet", doc.File)
	require.Equal(t, run.Digest, doc.Blake3)

	var history []models.ExportRun
	require.NoError(t, db.Find(&history).Error)
	require.Len(t, history, 1)
	require.Equal(t, run.ID, history[0].ID)
	require.Equal(t, 2, history[0].MemeCount)
	require.Equal(t, run.Digest, history[0].Digest)
}

func TestExportEmptyRegistry(t *testing.T) {
	db := setupExportDB(t)
	exporter, err := New(Config{DB: db, OutputDir: t.TempDir()})
	require.NoError(t, err)

	run, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, run.MemeCount)
	require.Equal(t, uint64(0), run.Sequence)

	info, err := os.Stat(run.ParquetPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}
