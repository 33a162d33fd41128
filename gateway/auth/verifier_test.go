package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func signedRequest(t *testing.T, keyID, secret string, at time.Time, nonce, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://gateway.test/rpc", strings.NewReader(body))
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(HeaderAPIKey, keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, ts, nonce, http.MethodPost, CanonicalRequestPath(req), []byte(body))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	body := `{"jsonrpc":"2.0","method":"get_meme_count","id":1}`
	req := signedRequest(t, "indexer", "topsecret", now, "nonce-1", body)
	key, err := v.Verify(req, []byte(body))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if key == nil || key.ID != "indexer" {
		t.Fatalf("unexpected service key %+v", key)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	body := `{"jsonrpc":"2.0","method":"get_meme_count","id":2}`
	first := signedRequest(t, "indexer", "topsecret", now, "nonce-dup", body)
	if _, err := v.Verify(first, []byte(body)); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	replay := signedRequest(t, "indexer", "topsecret", now, "nonce-dup", body)
	if _, err := v.Verify(replay, []byte(body)); err == nil || !strings.Contains(err.Error(), "nonce already used") {
		t.Fatalf("expected nonce replay rejection, got %v", err)
	}
}

func TestVerifyAllowsSharedTimestampAcrossNonces(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	body := `{"jsonrpc":"2.0","method":"get_meme_count","id":3}`
	for _, nonce := range []string{"worker-a", "worker-b"} {
		req := signedRequest(t, "indexer", "topsecret", now, nonce, body)
		if _, err := v.Verify(req, []byte(body)); err != nil {
			t.Fatalf("concurrent nonce %s rejected: %v", nonce, err)
		}
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	body := `{}`
	req := signedRequest(t, "indexer", "topsecret", now.Add(-3*time.Minute), "nonce-old", body)
	if _, err := v.Verify(req, []byte(body)); err == nil || !strings.Contains(err.Error(), "skew") {
		t.Fatalf("expected skew rejection, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	signed := `{"jsonrpc":"2.0","method":"get_meme","params":[{"id":"dank"}],"id":4}`
	req := signedRequest(t, "indexer", "topsecret", now, "nonce-t", signed)
	tampered := strings.Replace(signed, "dank", "rare", 1)
	if _, err := v.Verify(req, []byte(tampered)); err == nil || !strings.Contains(err.Error(), "invalid signature") {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, time.Minute, 5*time.Minute, func() time.Time { return now }, nil)
	body := `{}`
	req := signedRequest(t, "ghost", "whatever", now, "nonce-g", body)
	if _, err := v.Verify(req, []byte(body)); err == nil || !strings.Contains(err.Error(), "unknown service key") {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}
}

func TestNewVerifierClampsSecurityParameters(t *testing.T) {
	v := NewVerifier(map[string]string{"indexer": "topsecret"}, 15*time.Minute, 30*time.Minute, nil, nil)
	if v.skew != maxTimestampSkew {
		t.Fatalf("expected skew clamp to %s, got %s", maxTimestampSkew, v.skew)
	}
	if v.nonceTTL != maxNonceWindow {
		t.Fatalf("expected nonce TTL clamp to %s, got %s", maxNonceWindow, v.nonceTTL)
	}
}

func TestNonceStoreCapacityEviction(t *testing.T) {
	store := newNonceStore(5*time.Minute, 3)
	now := time.Now()
	for i := 0; i < 4; i++ {
		if store.Seen(fmt.Sprintf("nonce-%d", i), now) {
			t.Fatalf("nonce-%d unexpectedly seen", i)
		}
	}
	if store.Seen("nonce-0", now) {
		t.Fatal("expected oldest nonce to be evicted at capacity")
	}
	if !store.Seen("nonce-3", now) {
		t.Fatal("expected newest nonce to remain cached")
	}
}

func TestNonceStoreExpiresOldEntries(t *testing.T) {
	store := newNonceStore(time.Minute, 10)
	base := time.Now()
	if store.Seen("nonce-a", base) {
		t.Fatal("fresh nonce unexpectedly seen")
	}
	if !store.Seen("nonce-a", base.Add(30*time.Second)) {
		t.Fatal("expected replay detection inside TTL window")
	}
	if store.Seen("nonce-a", base.Add(2*time.Minute)) {
		t.Fatal("expected nonce to expire after TTL")
	}
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.KeyID + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := f.records[key]; ok {
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestVerifierSharesNonceHistoryThroughPersistence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	store := newFakePersistence()
	keys := map[string]string{"bot": "hunter2"}
	body := `{"jsonrpc":"2.0","method":"get_meme_count","id":7}`

	first := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, store)
	req := signedRequest(t, "bot", "hunter2", now, "nonce-shared", body)
	if _, err := first.Verify(req, []byte(body)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected one persisted record, got %d", store.count())
	}

	hydrated := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, store)
	if err := hydrated.Hydrate(context.Background(), now.Add(-time.Hour)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	replay := signedRequest(t, "bot", "hunter2", now, "nonce-shared", body)
	if _, err := hydrated.Verify(replay, []byte(body)); err == nil || !strings.Contains(err.Error(), "nonce already used") {
		t.Fatalf("expected hydrated replay rejection, got %v", err)
	}

	cold := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, store)
	replayCold := signedRequest(t, "bot", "hunter2", now, "nonce-shared", body)
	if _, err := cold.Verify(replayCold, []byte(body)); err == nil || !strings.Contains(err.Error(), "nonce already used") {
		t.Fatalf("expected persisted replay rejection, got %v", err)
	}
}
