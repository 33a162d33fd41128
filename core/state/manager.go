package state

import (
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"memefi/storage"
)

// Manager provides typed reads and writes over the ledger's key-value store.
// Writes are staged in an in-memory overlay until Commit flushes them to the
// backing database in a single atomic batch; Discard drops the overlay so a
// failed operation leaves the store untouched.
//
// Manager is not safe for concurrent use; the node serialises access.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string][]byte)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) stage(hashed []byte, data []byte) {
	if m.pending == nil {
		m.pending = make(map[string][]byte)
	}
	m.pending[string(hashed)] = data
}

func (m *Manager) load(hashed []byte) ([]byte, error) {
	if m.pending != nil {
		if data, ok := m.pending[string(hashed)]; ok {
			return data, nil
		}
	}
	ok, err := m.db.Has(hashed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return m.db.Get(hashed)
}

// Commit flushes all staged writes to the backing database atomically and
// clears the overlay.
func (m *Manager) Commit() error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	if len(m.pending) == 0 {
		return nil
	}
	batch := m.db.NewBatch()
	for key, data := range m.pending {
		batch.Put([]byte(key), data)
	}
	if err := batch.Write(); err != nil {
		return err
	}
	m.pending = make(map[string][]byte)
	return nil
}

// Discard drops all staged writes, restoring the view of the last commit.
func (m *Manager) Discard() {
	if m == nil {
		return
	}
	m.pending = make(map[string][]byte)
}

// PendingWrites reports how many keys are currently staged.
func (m *Manager) PendingWrites() int {
	if m == nil {
		return 0
	}
	return len(m.pending)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 before it reaches the
// backing store.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.stage(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state. Staged writes shadow committed values.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.load(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.load(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
