package state

var ledgerClockKey = []byte("ledger/clock")

// LedgerClock returns the timestamp stamped on the most recent mutation, or
// zero when the ledger has never been written to.
func (m *Manager) LedgerClock() (uint64, error) {
	var ts uint64
	ok, err := m.KVGet(ledgerClockKey, &ts)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return ts, nil
}

// SetLedgerClock stages the ledger timestamp. It commits or discards together
// with the mutation that advanced it.
func (m *Manager) SetLedgerClock(ts uint64) error {
	return m.KVPut(ledgerClockKey, ts)
}
