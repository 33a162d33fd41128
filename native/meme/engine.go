package meme

import (
	"math/big"
	"strings"

	"memefi/core/events"
	"memefi/core/types"
	"memefi/crypto"
)

// MaxCommentLength caps the raw comment payload in bytes before trimming.
const MaxCommentLength = 500

// DefaultListLimit is applied when a listing call does not specify a limit.
const DefaultListLimit = 50

// MaxListLimit caps the page size of a single listing call.
const MaxListLimit = 100

type engineState interface {
	MemeInitialized() (bool, error)
	MemeSetInitialized() error
	MemeRecordGet(id string) (*MemeRecord, bool, error)
	MemeRecordPut(record *MemeRecord) error
	MemeRegistryAppend(id string) error
	MemeRegistryList() ([]string, error)
	MemeRegistryLen() (uint64, error)
	MemeLikesGet(id string) ([][20]byte, bool, error)
	MemeLikesPut(id string, users [][20]byte) error
	MemeCommentsList(id string) ([]Comment, error)
	MemeCommentsAppend(id string, comment Comment) error
	MemeStatsGet(addr [20]byte) (*UserStats, bool, error)
	MemeStatsPut(stats *UserStats) error
}

// Engine wires the meme ledger business logic with persistence and event
// emission. Callers are identified by their 20-byte address; timestamps are
// supplied explicitly so the engine itself stays deterministic.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine constructs a meme engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) ensureReady() error {
	ok, err := e.state.MemeInitialized()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

func bech32Addr(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.MemePrefix, addr[:]).String()
}

func ensureStats(stats *UserStats, addr [20]byte) *UserStats {
	if stats == nil {
		stats = &UserStats{Address: addr}
	}
	if stats.TotalEarnings == nil {
		stats.TotalEarnings = big.NewInt(0)
	}
	return stats
}

// Initialize performs the one-time ledger bootstrap. A second call fails with
// ErrAlreadyInitialized.
func (e *Engine) Initialize() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	ok, err := e.state.MemeInitialized()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	return e.state.MemeSetInitialized()
}

// Mint registers a new meme owned and created by the caller. The identifier is
// treated as opaque; the only requirement is that it has never been minted.
func (e *Engine) Mint(caller [20]byte, id string, mediaURL string, title string, description string, royalty uint8) (*MemeRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if royalty > 100 {
		return nil, ErrInvalidRoyalty
	}
	if _, ok, err := e.state.MemeRecordGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateID
	}
	record := &MemeRecord{
		ID:          id,
		Owner:       caller,
		Creator:     caller,
		MediaURL:    mediaURL,
		Title:       title,
		Description: description,
		Royalty:     royalty,
	}
	if err := e.state.MemeRecordPut(record); err != nil {
		return nil, err
	}
	if err := e.state.MemeRegistryAppend(record.ID); err != nil {
		return nil, err
	}
	e.emit(MintedEvent(record.ID, bech32Addr(record.Owner), bech32Addr(record.Creator), record.Royalty))
	return record.Clone(), nil
}

// Like records a like by the caller. Each identity may hold at most one live
// like per meme; the meme's last-like timestamp only ever moves forward.
func (e *Engine) Like(caller [20]byte, memeID string, now uint64) (*MemeRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	record, ok, err := e.state.MemeRecordGet(memeID)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrNotFound
	}
	users, _, err := e.state.MemeLikesGet(memeID)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		if user == caller {
			return nil, ErrAlreadyLiked
		}
	}
	users = append(users, caller)
	if err := e.state.MemeLikesPut(memeID, users); err != nil {
		return nil, err
	}
	record.LikesCount++
	record.LastLikeTimestamp = now
	if err := e.state.MemeRecordPut(record); err != nil {
		return nil, err
	}
	stats, _, err := e.state.MemeStatsGet(record.Owner)
	if err != nil {
		return nil, err
	}
	stats = ensureStats(stats, record.Owner)
	stats.TotalLikes++
	if err := e.state.MemeStatsPut(stats); err != nil {
		return nil, err
	}
	e.emit(LikedEvent(record.ID, bech32Addr(caller), record.LikesCount, now))
	return record.Clone(), nil
}

// Unlike withdraws the caller's like. A meme that has never been liked fails
// with ErrNoLikeHistory; a meme the caller has not liked fails with
// ErrNotLiked. The last-like timestamp is never rolled back.
func (e *Engine) Unlike(caller [20]byte, memeID string) (*MemeRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	record, ok, err := e.state.MemeRecordGet(memeID)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrNotFound
	}
	users, exists, err := e.state.MemeLikesGet(memeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoLikeHistory
	}
	idx := -1
	for i, user := range users {
		if user == caller {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotLiked
	}
	users = append(users[:idx], users[idx+1:]...)
	if err := e.state.MemeLikesPut(memeID, users); err != nil {
		return nil, err
	}
	if record.LikesCount > 0 {
		record.LikesCount--
	}
	if err := e.state.MemeRecordPut(record); err != nil {
		return nil, err
	}
	stats, _, err := e.state.MemeStatsGet(record.Owner)
	if err != nil {
		return nil, err
	}
	stats = ensureStats(stats, record.Owner)
	if stats.TotalLikes > 0 {
		stats.TotalLikes--
	}
	if err := e.state.MemeStatsPut(stats); err != nil {
		return nil, err
	}
	e.emit(UnlikedEvent(record.ID, bech32Addr(caller), record.LikesCount))
	return record.Clone(), nil
}

// Comment appends a comment to the meme. The raw payload may not exceed
// MaxCommentLength bytes and must contain non-whitespace content; the stored
// text is trimmed.
func (e *Engine) Comment(caller [20]byte, memeID string, text string, now uint64) (*Comment, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	record, ok, err := e.state.MemeRecordGet(memeID)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrNotFound
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyComment
	}
	if len(text) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}
	comment := Comment{User: caller, Text: trimmed, Timestamp: now}
	if err := e.state.MemeCommentsAppend(memeID, comment); err != nil {
		return nil, err
	}
	record.CommentsCount++
	if err := e.state.MemeRecordPut(record); err != nil {
		return nil, err
	}
	stats, _, err := e.state.MemeStatsGet(record.Owner)
	if err != nil {
		return nil, err
	}
	stats = ensureStats(stats, record.Owner)
	stats.TotalComments++
	if err := e.state.MemeStatsPut(stats); err != nil {
		return nil, err
	}
	e.emit(CommentedEvent(record.ID, bech32Addr(caller), record.CommentsCount, now))
	return &comment, nil
}

// Get returns the meme record for the supplied identifier.
func (e *Engine) Get(memeID string) (*MemeRecord, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	record, ok, err := e.state.MemeRecordGet(memeID)
	if err != nil {
		return nil, false, err
	}
	if !ok || record == nil {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

// ListByOwner returns every meme currently owned by the supplied address in
// mint order.
func (e *Engine) ListByOwner(owner [20]byte) ([]*MemeRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ids, err := e.state.MemeRegistryList()
	if err != nil {
		return nil, err
	}
	result := make([]*MemeRecord, 0)
	for _, id := range ids {
		record, ok, err := e.state.MemeRecordGet(id)
		if err != nil {
			return nil, err
		}
		if !ok || record == nil {
			continue
		}
		if record.Owner == owner {
			result = append(result, record.Clone())
		}
	}
	return result, nil
}

// ListAll returns a page of the registry in mint order. The limit is clamped
// to MaxListLimit; an out-of-range offset yields an empty page.
func (e *Engine) ListAll(fromIndex uint64, limit uint64) ([]*MemeRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	ids, err := e.state.MemeRegistryList()
	if err != nil {
		return nil, err
	}
	total := uint64(len(ids))
	result := make([]*MemeRecord, 0)
	if fromIndex >= total || limit == 0 {
		return result, nil
	}
	end := fromIndex + limit
	if end > total {
		end = total
	}
	for _, id := range ids[fromIndex:end] {
		record, ok, err := e.state.MemeRecordGet(id)
		if err != nil {
			return nil, err
		}
		if !ok || record == nil {
			continue
		}
		result = append(result, record.Clone())
	}
	return result, nil
}

// Count returns the total number of minted memes.
func (e *Engine) Count() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	return e.state.MemeRegistryLen()
}

// Likes returns the number of live likes on the meme. Memes without any like
// history report zero.
func (e *Engine) Likes(memeID string) (uint32, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	users, _, err := e.state.MemeLikesGet(memeID)
	if err != nil {
		return 0, err
	}
	return uint32(len(users)), nil
}

// Comments returns the comment log for the meme in append order. Memes
// without comments report an empty log.
func (e *Engine) Comments(memeID string) ([]Comment, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.MemeCommentsList(memeID)
}

// StatsFor returns the aggregate engagement stats for the supplied address.
// Addresses that never received engagement report zeroed stats.
func (e *Engine) StatsFor(addr [20]byte) (*UserStats, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	stats, _, err := e.state.MemeStatsGet(addr)
	if err != nil {
		return nil, err
	}
	return ensureStats(stats, addr).Clone(), nil
}
