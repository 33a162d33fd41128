package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"memefi/core/types"
	"memefi/observability"
)

const activityHistoryLimit = 2048

// ActivityUpdate is one entry of the ledger activity feed. Sequence numbers
// are assigned in commit order and the cursor is its decimal form, suitable
// for resuming a dropped stream.
type ActivityUpdate struct {
	Sequence  uint64       `json:"sequence"`
	Cursor    string       `json:"cursor"`
	Timestamp uint64       `json:"timestamp"`
	Event     *types.Event `json:"event"`
}

func cloneActivityUpdate(update ActivityUpdate) ActivityUpdate {
	cloned := update
	cloned.Event = update.Event.Clone()
	return cloned
}

// publishActivity appends the event to the replay ring and fans it out to the
// live subscribers. Slow subscribers are skipped rather than blocked; they can
// recover the gap through their cursor.
func (n *Node) publishActivity(evt *types.Event, timestamp uint64) {
	if evt == nil {
		return
	}

	n.activityMu.Lock()
	n.activitySeq++
	update := ActivityUpdate{
		Sequence:  n.activitySeq,
		Cursor:    strconv.FormatUint(n.activitySeq, 10),
		Timestamp: timestamp,
		Event:     evt.Clone(),
	}
	n.activityHistory = append(n.activityHistory, cloneActivityUpdate(update))
	if len(n.activityHistory) > activityHistoryLimit {
		overflow := len(n.activityHistory) - activityHistoryLimit
		n.activityHistory = append(n.activityHistory[:0:0], n.activityHistory[overflow:]...)
	}
	subscribers := make([]chan ActivityUpdate, 0, len(n.activitySubs))
	for _, ch := range n.activitySubs {
		subscribers = append(subscribers, ch)
	}
	n.activityMu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneActivityUpdate(update):
		default:
		}
	}
	observability.Events().RecordActivity(evt.Type)
}

// ActivitySubscribe registers a live feed subscriber. A non-empty cursor
// replays the retained updates recorded after it as the returned backlog. The
// cancel function releases the subscription and is safe to call repeatedly;
// it also fires when the supplied context ends.
func (n *Node) ActivitySubscribe(ctx context.Context, cursor string) (<-chan ActivityUpdate, func(), []ActivityUpdate, error) {
	var after uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("core: invalid activity cursor %q: %w", cursor, err)
		}
		after = parsed
	}

	ch := make(chan ActivityUpdate, 32)

	n.activityMu.Lock()
	if n.activitySubs == nil {
		n.activitySubs = make(map[uint64]chan ActivityUpdate)
	}
	id := n.activityNextID
	n.activityNextID++
	n.activitySubs[id] = ch
	observability.Events().SubscriberAdded()

	var backlog []ActivityUpdate
	if cursor != "" {
		for _, update := range n.activityHistory {
			if update.Sequence > after {
				backlog = append(backlog, cloneActivityUpdate(update))
			}
		}
	}
	n.activityMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.activityMu.Lock()
			delete(n.activitySubs, id)
			n.activityMu.Unlock()
			close(ch)
			observability.Events().SubscriberRemoved()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, backlog, nil
}
