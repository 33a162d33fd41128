package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"memefi/observability"
	"memefi/services/memescan/models"
)

// ManifestName is the filename written next to every parquet snapshot.
const ManifestName = "manifest.json"

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	Logger    *log.Logger
	Now       func() time.Time
}

// Exporter materialises point-in-time parquet snapshots of the meme registry.
type Exporter struct {
	db        *gorm.DB
	outputDir string
	logger    *log.Logger
	now       func() time.Time
}

// Run summarises one completed export.
type Run struct {
	ID           uuid.UUID
	Sequence     uint64
	MemeCount    int
	ParquetPath  string
	ManifestPath string
	Digest       string
	CreatedAt    time.Time
}

// New builds a configured exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.DB == nil {
		return nil, errors.New("export: db is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("memescan-data", "exports")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Exporter{
		db:        cfg.DB,
		outputDir: outputDir,
		logger:    logger,
		now:       nowFn,
	}, nil
}

// Run writes one registry snapshot and records it in the export history.
func (e *Exporter) Run(ctx context.Context) (*Run, error) {
	started := time.Now()
	run, err := e.export(ctx)
	observability.Indexer().ObserveExport(err, time.Since(started))
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Exporter) export(ctx context.Context) (*Run, error) {
	var memes []models.Meme
	if err := e.db.WithContext(ctx).Order("id").Find(&memes).Error; err != nil {
		return nil, fmt.Errorf("export: load memes: %w", err)
	}

	var sequence uint64
	var checkpoint models.Checkpoint
	err := e.db.WithContext(ctx).First(&checkpoint, "name = ?", models.CheckpointActivity).Error
	switch {
	case err == nil:
		sequence = checkpoint.Sequence
	case errors.Is(err, gorm.ErrRecordNotFound):
		// nothing indexed yet
	default:
		return nil, fmt.Errorf("export: load checkpoint: %w", err)
	}

	runID := uuid.New()
	createdAt := e.now().UTC()
	runDir := filepath.Join(e.outputDir, createdAt.Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: ensure output dir: %w", err)
	}

	parquetPath := filepath.Join(runDir, "memes.parquet")
	if err := writeParquet(parquetPath, memes); err != nil {
		return nil, err
	}
	e.logger.Printf("export: wrote %s (%d rows)", parquetPath, len(memes))

	raw, err := os.ReadFile(parquetPath)
	if err != nil {
		return nil, fmt.Errorf("export: read back parquet: %w", err)
	}
	sum := blake3.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	manifestPath := filepath.Join(runDir, ManifestName)
	doc := manifest{
		RunID:     runID.String(),
		CreatedAt: createdAt.Format(time.RFC3339),
		Sequence:  sequence,
		MemeCount: len(memes),
		File:      filepath.Base(parquetPath),
		Blake3:    digest,
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("export: write manifest: %w", err)
	}

	record := models.ExportRun{
		ID:          runID,
		Sequence:    sequence,
		MemeCount:   len(memes),
		ParquetPath: parquetPath,
		Digest:      digest,
		CreatedAt:   createdAt,
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("export: record run: %w", err)
	}

	return &Run{
		ID:           runID,
		Sequence:     sequence,
		MemeCount:    len(memes),
		ParquetPath:  parquetPath,
		ManifestPath: manifestPath,
		Digest:       digest,
		CreatedAt:    createdAt,
	}, nil
}

type manifest struct {
	RunID     string `json:"runId"`
	CreatedAt string `json:"createdAt"`
	Sequence  uint64 `json:"sequence"`
	MemeCount int    `json:"memeCount"`
	File      string `json:"file"`
	Blake3    string `json:"blake3"`
}

type parquetRow struct {
	MemeID        string `parquet:"name=meme_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner         string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creator       string `parquet:"name=creator, type=BYTE_ARRAY, convertedtype=UTF8"`
	MediaURL      string `parquet:"name=media_url, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title         string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description   string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	Royalty       int32  `parquet:"name=royalty_percent, type=INT32"`
	LikesCount    int64  `parquet:"name=likes_count, type=INT64"`
	CommentsCount int64  `parquet:"name=comments_count, type=INT64"`
	LastLikeAt    int64  `parquet:"name=last_like_at, type=INT64"`
	LastSequence  int64  `parquet:"name=last_sequence, type=INT64"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, memes []models.Meme) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range memes {
		row := &parquetRow{
			MemeID:        record.ID,
			Owner:         record.Owner,
			Creator:       record.Creator,
			MediaURL:      record.MediaURL,
			Title:         record.Title,
			Description:   record.Description,
			Royalty:       int32(record.Royalty),
			LikesCount:    int64(record.LikesCount),
			CommentsCount: int64(record.CommentsCount),
			LastLikeAt:    int64(record.LastLikeAt),
			LastSequence:  int64(record.LastSequence),
			CreatedAt:     record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
