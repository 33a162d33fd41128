package core

import "time"

func defaultNow() uint64 {
	return uint64(time.Now().UnixNano())
}

// tick advances the persisted ledger clock and returns the timestamp for the
// current mutation. Timestamps are strictly monotonic: when the wall clock
// stalls or runs backwards the ledger still moves forward by one nanosecond.
func (n *Node) tick() (uint64, error) {
	prev, err := n.manager.LedgerClock()
	if err != nil {
		return 0, err
	}
	now := n.nowFn()
	if now <= prev {
		now = prev + 1
	}
	if err := n.manager.SetLedgerClock(now); err != nil {
		return 0, err
	}
	return now, nil
}

// SetNowFunc overrides the wall clock source. Passing nil restores the
// default. Timestamps still only move forward regardless of the source.
func (n *Node) SetNowFunc(fn func() uint64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if fn == nil {
		fn = defaultNow
	}
	n.nowFn = fn
}

// LedgerClock reports the timestamp of the most recent committed mutation.
func (n *Node) LedgerClock() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.LedgerClock()
}
