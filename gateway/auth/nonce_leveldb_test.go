package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNonceDBSurvivesVerifierRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces")
	store, err := NewNonceDB(path)
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	initial := store
	t.Cleanup(func() {
		if initial != nil {
			_ = initial.Close()
		}
	})

	now := time.Unix(1_717_787_717, 0).UTC()
	keys := map[string]string{"indexer": "topsecret"}
	body := `{"jsonrpc":"2.0","method":"get_meme_count","id":1}`
	cutoff := now.Add(-5 * time.Minute)

	v := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, store)
	if err := v.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	req := signedRequest(t, "indexer", "topsecret", now, "nonce-restart", body)
	if _, err := v.Verify(req, []byte(body)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close nonce store: %v", err)
	}
	initial = nil

	reopened, err := NewNonceDB(path)
	if err != nil {
		t.Fatalf("reopen nonce store: %v", err)
	}
	defer reopened.Close()

	restarted := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, reopened)
	if err := restarted.Hydrate(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate after restart: %v", err)
	}
	replay := signedRequest(t, "indexer", "topsecret", now, "nonce-restart", body)
	if _, err := restarted.Verify(replay, []byte(body)); err == nil || !strings.Contains(err.Error(), "nonce already used") {
		t.Fatalf("expected replay rejection after restart, got %v", err)
	}

	cold := NewVerifier(keys, time.Minute, 5*time.Minute, func() time.Time { return now }, reopened)
	replayCold := signedRequest(t, "indexer", "topsecret", now, "nonce-restart", body)
	if _, err := cold.Verify(replayCold, []byte(body)); err == nil || !strings.Contains(err.Error(), "nonce already used") {
		t.Fatalf("expected persisted replay rejection, got %v", err)
	}
}

func TestNonceDBPruneDropsExpiredRecords(t *testing.T) {
	store, err := NewNonceDB(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open nonce store: %v", err)
	}
	defer store.Close()

	base := time.Unix(1_717_787_000, 0).UTC()
	ctx := context.Background()
	records := []NonceRecord{
		{KeyID: "indexer", Timestamp: "100", Nonce: "old", ObservedAt: base},
		{KeyID: "indexer", Timestamp: "200", Nonce: "fresh", ObservedAt: base.Add(10 * time.Minute)},
	}
	for _, rec := range records {
		existed, err := store.EnsureNonce(ctx, rec)
		if err != nil {
			t.Fatalf("ensure %s: %v", rec.Nonce, err)
		}
		if existed {
			t.Fatalf("record %s unexpectedly existed", rec.Nonce)
		}
	}
	if existed, err := store.EnsureNonce(ctx, records[0]); err != nil || !existed {
		t.Fatalf("expected duplicate detection, got existed=%t err=%v", existed, err)
	}

	if err := store.PruneNonces(ctx, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	remaining, err := store.RecentNonces(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Nonce != "fresh" {
		t.Fatalf("expected only the fresh record to survive, got %+v", remaining)
	}
	if existed, err := store.EnsureNonce(ctx, records[0]); err != nil || existed {
		t.Fatalf("pruned nonce should be insertable again, got existed=%t err=%v", existed, err)
	}
}
