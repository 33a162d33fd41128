package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"nhooyr.io/websocket"

	"memefi/native/meme"
	"memefi/observability"
	"memefi/services/memescan/models"
	"memefi/services/memescan/nodeclient"
)

// MemeFetcher backfills meme details the activity stream does not carry.
type MemeFetcher interface {
	MemeGet(ctx context.Context, id string) (*nodeclient.MemeRecord, error)
}

// Config captures the indexer dependencies.
type Config struct {
	DB         *gorm.DB
	StreamURL  string
	Fetcher    MemeFetcher
	Logger     *log.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Indexer tails the node activity stream and maintains the relational read
// model. It resumes from the persisted checkpoint after restarts, and applying
// the same update twice leaves the database unchanged.
type Indexer struct {
	db         *gorm.DB
	streamURL  string
	fetcher    MemeFetcher
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New validates the configuration and constructs an indexer.
func New(cfg Config) (*Indexer, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("indexer: database handle required")
	}
	streamURL := strings.TrimSpace(cfg.StreamURL)
	if streamURL == "" {
		return nil, fmt.Errorf("indexer: stream url required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &Indexer{
		db:         cfg.DB,
		streamURL:  streamURL,
		fetcher:    cfg.Fetcher,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

type streamEvent struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type streamUpdate struct {
	Sequence  uint64       `json:"sequence"`
	Cursor    string       `json:"cursor"`
	Timestamp uint64       `json:"timestamp"`
	Event     *streamEvent `json:"event"`
}

// Run keeps the indexer attached to the activity stream until the context
// ends, reconnecting with doubling backoff after interruptions.
func (ix *Indexer) Run(ctx context.Context) error {
	backoff := ix.minBackoff
	for {
		err := ix.syncOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			ix.logger.Printf("indexer: stream interrupted: %v", err)
		} else {
			backoff = ix.minBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		observability.Indexer().RecordReconnect()
		backoff *= 2
		if backoff > ix.maxBackoff {
			backoff = ix.maxBackoff
		}
	}
}

// syncOnce dials the stream, requests everything after the checkpoint, and
// applies updates until the connection drops. A normal close returns nil.
func (ix *Indexer) syncOnce(ctx context.Context) error {
	checkpoint, err := ix.loadCheckpoint(ctx)
	if err != nil {
		return err
	}
	target := ix.streamURL
	if checkpoint.Sequence > 0 {
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target = fmt.Sprintf("%s%scursor=%d", target, separator, checkpoint.Sequence)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial activity stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "indexer shutting down")

	last := checkpoint.Sequence
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read activity stream: %w", err)
		}
		var update streamUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			ix.logger.Printf("indexer: skipping malformed frame: %v", err)
			continue
		}
		if update.Event == nil || update.Sequence == 0 {
			continue
		}
		if update.Sequence <= last {
			continue
		}
		if err := ix.apply(ctx, &update); err != nil {
			return err
		}
		last = update.Sequence
		observability.Indexer().RecordFrame(update.Event.Type)
	}
}

// apply records the raw activity row, folds the event into the meme read
// model, and advances the checkpoint in a single transaction.
func (ix *Indexer) apply(ctx context.Context, update *streamUpdate) error {
	attrs, err := json.Marshal(update.Event.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	cursor := strings.TrimSpace(update.Cursor)
	if cursor == "" {
		cursor = strconv.FormatUint(update.Sequence, 10)
	}
	now := time.Now().UTC()
	activity := models.Activity{
		Sequence:   update.Sequence,
		Type:       update.Event.Type,
		MemeID:     update.Event.Attributes["memeId"],
		Actor:      activityActor(update.Event),
		OccurredAt: update.Timestamp,
		Attributes: string(attrs),
		CreatedAt:  now,
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&activity).Error; err != nil {
			return fmt.Errorf("record activity %d: %w", update.Sequence, err)
		}
		if err := ix.applyMeme(ctx, tx, update); err != nil {
			return err
		}
		checkpoint := models.Checkpoint{
			Name:      models.CheckpointActivity,
			Cursor:    cursor,
			Sequence:  update.Sequence,
			UpdatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "sequence", "updated_at"}),
		}).Create(&checkpoint).Error; err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// applyMeme folds one event into the meme row. Counts carried by events are
// absolute values, so replays converge instead of double counting.
func (ix *Indexer) applyMeme(ctx context.Context, tx *gorm.DB, update *streamUpdate) error {
	attrs := update.Event.Attributes
	memeID := strings.TrimSpace(attrs["memeId"])
	if memeID == "" {
		return nil
	}
	var record models.Meme
	if err := tx.First(&record, "id = ?", memeID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load meme %s: %w", memeID, err)
		}
		record = models.Meme{ID: memeID, CreatedAt: time.Now().UTC()}
	}
	switch update.Event.Type {
	case meme.EventTypeMinted:
		record.Owner = attrs["owner"]
		record.Creator = attrs["creator"]
		record.Royalty = uint8(parseCount(attrs["royalty"]))
		ix.backfill(ctx, &record)
	case meme.EventTypeLiked:
		record.LikesCount = uint32(parseCount(attrs["likes"]))
		record.LastLikeAt = parseCount(attrs["timestamp"])
	case meme.EventTypeUnliked:
		record.LikesCount = uint32(parseCount(attrs["likes"]))
	case meme.EventTypeCommented:
		record.CommentsCount = uint32(parseCount(attrs["comments"]))
	default:
		return nil
	}
	record.LastSequence = update.Sequence
	record.UpdatedAt = time.Now().UTC()
	if err := tx.Save(&record).Error; err != nil {
		return fmt.Errorf("save meme %s: %w", memeID, err)
	}
	return nil
}

// backfill fetches the media fields mint events omit. Counts stay event
// driven so a node that is ahead of the replay cannot skew them. Failures
// only cost the media fields, never the row.
func (ix *Indexer) backfill(ctx context.Context, record *models.Meme) {
	if ix.fetcher == nil {
		return
	}
	fetched, err := ix.fetcher.MemeGet(ctx, record.ID)
	if err != nil {
		ix.logger.Printf("indexer: backfill %s: %v", record.ID, err)
		return
	}
	if fetched == nil {
		return
	}
	record.MediaURL = fetched.MediaURL
	record.Title = fetched.Title
	record.Description = fetched.Description
}

func (ix *Indexer) loadCheckpoint(ctx context.Context) (models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	err := ix.db.WithContext(ctx).First(&checkpoint, "name = ?", models.CheckpointActivity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Checkpoint{Name: models.CheckpointActivity}, nil
		}
		return models.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return checkpoint, nil
}

func activityActor(event *streamEvent) string {
	if user := event.Attributes["user"]; user != "" {
		return user
	}
	return event.Attributes["owner"]
}

func parseCount(value string) uint64 {
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
