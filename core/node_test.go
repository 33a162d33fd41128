package core

import (
	"context"
	"errors"
	"testing"

	"memefi/native/meme"
	"memefi/storage"
)

func addr(last byte) [20]byte {
	var a [20]byte
	a[19] = last
	return a
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(storage.NewMemDB(), true, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// faultyDB lets a test trip batch writes to simulate storage failures.
type faultyDB struct {
	storage.Database
	failWrites bool
}

func (db *faultyDB) NewBatch() storage.Batch {
	if db.failWrites {
		return failingBatch{}
	}
	return db.Database.NewBatch()
}

type failingBatch struct{}

func (failingBatch) Put(key []byte, value []byte) {}
func (failingBatch) Delete(key []byte)            {}
func (failingBatch) Write() error                 { return errors.New("write failed") }

func TestNewNodeRequiresInitializedLedger(t *testing.T) {
	db := storage.NewMemDB()
	if _, err := NewNode(db, false, false); !errors.Is(err, meme.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized on a fresh store, got %v", err)
	}
	if _, err := NewNode(db, true, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := NewNode(db, false, false); err != nil {
		t.Fatalf("reopen after bootstrap: %v", err)
	}
}

func TestMutationsRollBackOnCommitFailure(t *testing.T) {
	db := &faultyDB{Database: storage.NewMemDB()}
	node, err := NewNode(db, true, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	owner := addr(1)
	fan := addr(2)
	if _, err := node.MintMeme(owner, "meme-1", "ipfs://cat", "Cat", "", 5); err != nil {
		t.Fatalf("mint: %v", err)
	}

	updates, cancel, _, err := node.ActivitySubscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	db.failWrites = true
	if _, err := node.LikeMeme(fan, "meme-1"); err == nil {
		t.Fatal("expected like to fail when the batch write fails")
	}
	db.failWrites = false

	likes, err := node.MemeLikes("meme-1")
	if err != nil {
		t.Fatalf("likes: %v", err)
	}
	if likes != 0 {
		t.Fatalf("likes after failed commit = %d, want 0", likes)
	}
	stats, err := node.MemeUserStats(owner)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalLikes != 0 {
		t.Fatalf("owner stats leaked from failed commit: %d", stats.TotalLikes)
	}

	record, err := node.LikeMeme(fan, "meme-1")
	if err != nil {
		t.Fatalf("like retry: %v", err)
	}
	if record.LikesCount != 1 {
		t.Fatalf("likes after retry = %d, want 1", record.LikesCount)
	}

	select {
	case update := <-updates:
		if update.Event.Type != meme.EventTypeLiked {
			t.Fatalf("unexpected first update %q", update.Event.Type)
		}
	default:
		t.Fatal("expected an update for the successful like")
	}
	select {
	case update := <-updates:
		t.Fatalf("failed commit must not publish activity, got %q", update.Event.Type)
	default:
	}
}

func TestLedgerClockMonotonicAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, true, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() uint64 { return 1000 })

	creator := addr(7)
	if _, err := node.MintMeme(creator, "meme-1", "ipfs://dog", "Dog", "", 0); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ts, err := node.LedgerClock(); err != nil || ts != 1000 {
		t.Fatalf("clock after mint = %d (err %v), want 1000", ts, err)
	}

	record, err := node.LikeMeme(addr(8), "meme-1")
	if err != nil {
		t.Fatalf("like: %v", err)
	}
	if record.LastLikeTimestamp != 1001 {
		t.Fatalf("stalled wall clock should still advance the ledger, got %d", record.LastLikeTimestamp)
	}

	reopened, err := NewNode(db, false, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.SetNowFunc(func() uint64 { return 500 })
	comment, err := reopened.CommentMeme(addr(9), "meme-1", "first")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if comment.Timestamp != 1002 {
		t.Fatalf("clock must not rewind across restarts, got %d", comment.Timestamp)
	}
}

func TestListMemesDefaults(t *testing.T) {
	node := newTestNode(t)
	creator := addr(3)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := node.MintMeme(creator, id, "ipfs://"+id, id, "", 0); err != nil {
			t.Fatalf("mint %s: %v", id, err)
		}
	}

	page, err := node.ListMemes(nil, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("default page length = %d, want 3", len(page))
	}
	from := uint64(2)
	page, err = node.ListMemes(&from, nil)
	if err != nil {
		t.Fatalf("list from 2: %v", err)
	}
	if len(page) != 1 || page[0].ID != "c" {
		t.Fatalf("page from offset 2 = %+v", page)
	}
	limit := uint64(0)
	page, err = node.ListMemes(nil, &limit)
	if err != nil {
		t.Fatalf("list limit 0: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("zero limit returned %d records", len(page))
	}
}

func TestActivityStreamCursorReplay(t *testing.T) {
	node := newTestNode(t)
	creator := addr(4)
	fan := addr(5)
	if _, err := node.MintMeme(creator, "meme-1", "ipfs://frog", "Frog", "", 0); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := node.LikeMeme(fan, "meme-1"); err != nil {
		t.Fatalf("like: %v", err)
	}

	if _, _, _, err := node.ActivitySubscribe(context.Background(), "not-a-cursor"); err == nil {
		t.Fatal("expected invalid cursor to be rejected")
	}

	updates, cancel, backlog, err := node.ActivitySubscribe(context.Background(), "1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(backlog) != 1 {
		t.Fatalf("backlog length = %d, want 1", len(backlog))
	}
	if backlog[0].Event.Type != meme.EventTypeLiked || backlog[0].Cursor != "2" {
		t.Fatalf("unexpected backlog entry %+v", backlog[0])
	}

	// Replayed updates are copies; tampering with one must not taint the ring.
	backlog[0].Event.Attributes["user"] = "tampered"
	_, cancelAgain, replay, err := node.ActivitySubscribe(context.Background(), "1")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	cancelAgain()
	if len(replay) != 1 || replay[0].Event.Attributes["user"] == "tampered" {
		t.Fatalf("history shares attribute maps with subscribers: %+v", replay)
	}

	if _, err := node.CommentMeme(fan, "meme-1", "lol"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	select {
	case update := <-updates:
		if update.Event.Type != meme.EventTypeCommented {
			t.Fatalf("live update type = %q", update.Event.Type)
		}
		if update.Sequence != 3 {
			t.Fatalf("live update sequence = %d, want 3", update.Sequence)
		}
	default:
		t.Fatal("expected live commented update")
	}

	cancel()
	if _, open := <-updates; open {
		t.Fatal("subscription channel should close on cancel")
	}
}
