package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	seenKeyPrefix  = "seen:"
	indexKeyPrefix = "idx:"
)

// NonceDB persists nonce usage in LevelDB so replay protection survives
// gateway restarts. Each nonce is stored twice: a lookup record keyed by
// the composite identity and a time-ordered index entry that drives
// hydration and pruning.
type NonceDB struct {
	db *leveldb.DB
}

// NewNonceDB opens (or creates) a LevelDB database at path.
func NewNonceDB(path string) (*NonceDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &NonceDB{db: db}, nil
}

// Close releases the underlying database handle.
func (p *NonceDB) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records the nonce if unseen and reports whether it already
// existed. Replays do not refresh the stored observation time, so a
// replayed nonce ages out on the original schedule.
func (p *NonceDB) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce store not configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	keyID := strings.TrimSpace(record.KeyID)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if keyID == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	composite := compositeNonce(keyID, ts, nonce)
	seenKey := []byte(seenKeyPrefix + composite)
	_, err := p.db.Get(seenKey, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("load nonce: %w", err)
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	nanos := observed.UnixNano()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(nanos))
	batch := new(leveldb.Batch)
	batch.Put(seenKey, value)
	batch.Put([]byte(indexKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonce records observed at or after cutoff in
// observation order.
func (p *NonceDB) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("nonce store not configured")
	}
	iter := p.db.NewIterator(util.BytesPrefix([]byte(indexKeyPrefix)), nil)
	defer iter.Release()
	start := []byte(indexKey(cutoff.UTC().UnixNano(), ""))
	var records []NonceRecord
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nanos, composite, err := parseIndexKey(iter.Key())
		if err != nil {
			continue
		}
		keyID, ts, nonce, err := splitCompositeNonce(composite)
		if err != nil {
			continue
		}
		records = append(records, NonceRecord{
			KeyID:      keyID,
			Timestamp:  ts,
			Nonce:      nonce,
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes records observed before cutoff.
func (p *NonceDB) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("nonce store not configured")
	}
	iter := p.db.NewIterator(util.BytesPrefix([]byte(indexKeyPrefix)), nil)
	defer iter.Release()
	limit := []byte(indexKey(cutoff.UTC().UnixNano(), ""))
	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := iter.Key()
		if bytes.Compare(key, limit) >= 0 {
			break
		}
		if _, composite, err := parseIndexKey(key); err == nil {
			batch.Delete([]byte(seenKeyPrefix + composite))
		}
		batch.Delete(append([]byte(nil), key...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func compositeNonce(keyID, timestamp, nonce string) string {
	return strings.Join([]string{keyID, timestamp, nonce}, "|")
}

func splitCompositeNonce(composite string) (string, string, string, error) {
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed nonce key %q", composite)
	}
	return parts[0], parts[1], parts[2], nil
}

func indexKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", indexKeyPrefix, nanos, composite)
}

func parseIndexKey(key []byte) (int64, string, error) {
	raw := string(key)
	if !strings.HasPrefix(raw, indexKeyPrefix) {
		return 0, "", fmt.Errorf("unexpected key prefix %q", raw)
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, indexKeyPrefix), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed index key %q", raw)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed index key %q: %w", raw, err)
	}
	return nanos, parts[1], nil
}
