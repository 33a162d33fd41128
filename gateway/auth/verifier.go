package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's service key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when verifying.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	persistPruneInterval = time.Minute
)

// ServiceKey identifies an authenticated machine client.
type ServiceKey struct {
	ID string
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	KeyID      string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage so replay
// protection survives restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier checks HMAC-SHA256 request signatures made with shared service
// key secrets. Replay protection combines a freshness window with nonce
// uniqueness; timestamps must be fresh but not monotonic, so concurrent
// clients sharing a key do not reject each other.
type Verifier struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewVerifier builds a Verifier keyed by the provided secrets. The map
// holds service key identifiers mapped to their shared secret. Skew and
// nonce TTL are clamped to hard ceilings so misconfiguration cannot widen
// the replay window.
func NewVerifier(keys map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time, persistence NoncePersistence) *Verifier {
	cloned := make(map[string]string, len(keys))
	for k, v := range keys {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	return &Verifier{
		secrets:     cloned,
		skew:        skew,
		nonceTTL:    nonceTTL,
		nowFn:       nowFn,
		nonces:      make(map[string]*nonceStore),
		persistence: persistence,
	}
}

// Verify validates headers and signature, returning the caller's service key.
func (v *Verifier) Verify(r *http.Request, body []byte) (*ServiceKey, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	keyID := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if keyID == "" {
		return nil, fmt.Errorf("missing %s header", HeaderAPIKey)
	}
	secret, ok := v.secrets[keyID]
	if !ok || secret == "" {
		return nil, errors.New("unknown service key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	ts, err := parseUnixTimestamp(tsHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", v.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, fmt.Errorf("missing %s header", HeaderNonce)
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, fmt.Errorf("missing %s header", HeaderSignature)
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	duplicate, err := v.registerNonce(r.Context(), keyID, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	return &ServiceKey{ID: keyID}, nil
}

// Hydrate warms the in-memory cache with persisted nonce usage so a
// restarted gateway keeps rejecting replays.
func (v *Verifier) Hydrate(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.KeyID) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.nonceStore(rec.KeyID).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, keyID, timestamp, nonce string, now time.Time) (bool, error) {
	cache := v.nonceStore(keyID)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if v.persistence != nil {
		if err := v.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		record := NonceRecord{
			KeyID:      keyID,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		}
		existed, err := v.persistence.EnsureNonce(ctx, record)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.persistence == nil || v.nonceTTL <= 0 {
		return nil
	}
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < persistPruneInterval {
		return nil
	}
	cutoff := now.Add(-v.nonceTTL)
	if err := v.persistence.PruneNonces(ctx, cutoff); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

func (v *Verifier) nonceStore(keyID string) *nonceStore {
	v.nonceMu.Lock()
	defer v.nonceMu.Unlock()
	cache, ok := v.nonces[keyID]
	if ok {
		return cache
	}
	cache = newNonceStore(v.nonceTTL, defaultNonceCapacity)
	v.nonces[keyID] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request.
// The signing payload joins timestamp, nonce, method, canonical path, and
// body with newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 || ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the nonce was already observed within the TTL
// window, registering it when new.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without mutating
// the cache when it is new.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		n.evictFront()
	}
	elem := n.order.PushBack(nonceEntry{key: key, ts: now})
	n.entries[key] = elem
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
