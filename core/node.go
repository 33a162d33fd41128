package core

import (
	"fmt"
	"sync"

	"memefi/core/events"
	"memefi/core/state"
	"memefi/core/types"
	"memefi/native/meme"
	"memefi/storage"
)

// Node is the central controller for the meme ledger. It owns the database,
// the state manager, and the engine, and serialises every ledger operation so
// each call observes and produces a consistent committed state.
type Node struct {
	db        storage.Database
	manager   *state.Manager
	engine    *meme.Engine
	collector *activityCollector
	nowFn     func() uint64
	stateMu   sync.Mutex

	activityMu      sync.Mutex
	activitySeq     uint64
	activityNextID  uint64
	activitySubs    map[uint64]chan ActivityUpdate
	activityHistory []ActivityUpdate
}

// NewNode opens the ledger on the provided database. A fresh store is
// bootstrapped automatically when allowAutogenesis is set; otherwise the node
// refuses to start until an initialized ledger is present. allowMigrate lets
// operators boot against a mismatched schema version for manual migrations.
func NewNode(db storage.Database, allowAutogenesis bool, allowMigrate bool) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if err := state.EnsureStateVersion(db, allowMigrate); err != nil {
		return nil, err
	}

	manager := state.NewManager(db)
	collector := &activityCollector{}
	engine := meme.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(collector)

	node := &Node{
		db:        db,
		manager:   manager,
		engine:    engine,
		collector: collector,
		nowFn:     defaultNow,
	}

	initialized, err := manager.MemeInitialized()
	if err != nil {
		return nil, err
	}
	if !initialized {
		if !allowAutogenesis {
			return nil, meme.ErrNotInitialized
		}
		if err := engine.Initialize(); err != nil {
			return nil, err
		}
		if err := manager.Commit(); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Close releases the underlying database. The node must not be used after
// Close returns.
func (n *Node) Close() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.db.Close()
}

// rollback discards staged writes and buffered events, passing err through.
func (n *Node) rollback(err error) error {
	n.manager.Discard()
	n.collector.reset()
	return err
}

// commitMutation flushes staged writes atomically and publishes the buffered
// activity events stamped with the mutation's ledger timestamp.
func (n *Node) commitMutation(now uint64) error {
	if err := n.manager.Commit(); err != nil {
		return n.rollback(err)
	}
	for _, evt := range n.collector.drain() {
		n.publishActivity(evt, now)
	}
	return nil
}

// MintMeme registers a new meme owned and created by the caller.
func (n *Node) MintMeme(caller [20]byte, id string, mediaURL string, title string, description string, royalty uint8) (*meme.MemeRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	now, err := n.tick()
	if err != nil {
		return nil, n.rollback(err)
	}
	record, err := n.engine.Mint(caller, id, mediaURL, title, description, royalty)
	if err != nil {
		return nil, n.rollback(err)
	}
	if err := n.commitMutation(now); err != nil {
		return nil, err
	}
	return record, nil
}

// LikeMeme records a like by the caller at the next ledger timestamp.
func (n *Node) LikeMeme(caller [20]byte, id string) (*meme.MemeRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	now, err := n.tick()
	if err != nil {
		return nil, n.rollback(err)
	}
	record, err := n.engine.Like(caller, id, now)
	if err != nil {
		return nil, n.rollback(err)
	}
	if err := n.commitMutation(now); err != nil {
		return nil, err
	}
	return record, nil
}

// UnlikeMeme withdraws the caller's like.
func (n *Node) UnlikeMeme(caller [20]byte, id string) (*meme.MemeRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	now, err := n.tick()
	if err != nil {
		return nil, n.rollback(err)
	}
	record, err := n.engine.Unlike(caller, id)
	if err != nil {
		return nil, n.rollback(err)
	}
	if err := n.commitMutation(now); err != nil {
		return nil, err
	}
	return record, nil
}

// CommentMeme appends a comment by the caller at the next ledger timestamp.
func (n *Node) CommentMeme(caller [20]byte, id string, text string) (*meme.Comment, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	now, err := n.tick()
	if err != nil {
		return nil, n.rollback(err)
	}
	comment, err := n.engine.Comment(caller, id, text, now)
	if err != nil {
		return nil, n.rollback(err)
	}
	if err := n.commitMutation(now); err != nil {
		return nil, err
	}
	return comment, nil
}

// GetMeme returns the meme stored under the identifier.
func (n *Node) GetMeme(id string) (*meme.MemeRecord, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Get(id)
}

// ListMemesByOwner returns every meme owned by the address in mint order.
func (n *Node) ListMemesByOwner(owner [20]byte) ([]*meme.MemeRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.ListByOwner(owner)
}

// ListMemes returns a page of the registry in mint order. Nil arguments fall
// back to offset zero and the default page size.
func (n *Node) ListMemes(fromIndex *uint64, limit *uint64) ([]*meme.MemeRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	from := uint64(0)
	if fromIndex != nil {
		from = *fromIndex
	}
	size := uint64(meme.DefaultListLimit)
	if limit != nil {
		size = *limit
	}
	return n.engine.ListAll(from, size)
}

// MemeCount reports the total number of minted memes.
func (n *Node) MemeCount() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Count()
}

// MemeLikes reports the number of live likes on the meme.
func (n *Node) MemeLikes(id string) (uint32, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Likes(id)
}

// MemeComments returns the meme's comment log in append order.
func (n *Node) MemeComments(id string) ([]meme.Comment, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.Comments(id)
}

// MemeUserStats returns the aggregate engagement stats for the address.
func (n *Node) MemeUserStats(addr [20]byte) (*meme.UserStats, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.engine.StatsFor(addr)
}

// activityCollector buffers events emitted during an operation so the node
// can publish them only after the state commit succeeds.
type activityCollector struct {
	events []*types.Event
}

func (c *activityCollector) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	if env, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := env.Event(); payload != nil {
			c.events = append(c.events, payload)
		}
	}
}

func (c *activityCollector) drain() []*types.Event {
	drained := c.events
	c.events = nil
	return drained
}

func (c *activityCollector) reset() {
	c.events = nil
}
