package state

import (
	"fmt"

	"memefi/native/meme"
)

var (
	memeRecordPrefix   = []byte("meme/record/")
	memeRegistryKey    = []byte("meme/registry")
	memeLikesPrefix    = []byte("meme/likes/")
	memeCommentsPrefix = []byte("meme/comments/")
	memeStatsPrefix    = []byte("meme/stats/")
)

func memeRecordKey(id string) []byte {
	buf := make([]byte, len(memeRecordPrefix)+len(id))
	copy(buf, memeRecordPrefix)
	copy(buf[len(memeRecordPrefix):], id)
	return buf
}

func memeLikesKey(id string) []byte {
	buf := make([]byte, len(memeLikesPrefix)+len(id))
	copy(buf, memeLikesPrefix)
	copy(buf[len(memeLikesPrefix):], id)
	return buf
}

func memeCommentsKey(id string) []byte {
	buf := make([]byte, len(memeCommentsPrefix)+len(id))
	copy(buf, memeCommentsPrefix)
	copy(buf[len(memeCommentsPrefix):], id)
	return buf
}

func memeStatsKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", memeStatsPrefix, addr))
}

// MemeRecordGet loads the meme record stored under the supplied identifier.
func (m *Manager) MemeRecordGet(id string) (*meme.MemeRecord, bool, error) {
	record := new(meme.MemeRecord)
	ok, err := m.KVGet(memeRecordKey(id), record)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return record, true, nil
}

// MemeRecordPut persists the meme record under its identifier.
func (m *Manager) MemeRecordPut(record *meme.MemeRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("state: meme record must carry an id")
	}
	return m.KVPut(memeRecordKey(record.ID), record)
}

// MemeRegistryAppend adds the identifier to the end of the mint-order
// registry. Uniqueness is the engine's concern; the registry preserves
// insertion order.
func (m *Manager) MemeRegistryAppend(id string) error {
	var ids []string
	if err := m.KVGetList(memeRegistryKey, &ids); err != nil {
		return err
	}
	ids = append(ids, id)
	return m.KVPut(memeRegistryKey, ids)
}

// MemeRegistryList returns every minted identifier in mint order.
func (m *Manager) MemeRegistryList() ([]string, error) {
	var ids []string
	if err := m.KVGetList(memeRegistryKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// MemeRegistryLen reports the number of minted memes.
func (m *Manager) MemeRegistryLen() (uint64, error) {
	ids, err := m.MemeRegistryList()
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}

// MemeLikesGet loads the like set for the meme. The boolean reports whether a
// like set was ever created; a drained set stays present with zero members.
func (m *Manager) MemeLikesGet(id string) ([][20]byte, bool, error) {
	var users [][20]byte
	ok, err := m.KVGet(memeLikesKey(id), &users)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return users, true, nil
}

// MemeLikesPut persists the like set for the meme. Storing an empty set keeps
// the key alive so like history survives full drains.
func (m *Manager) MemeLikesPut(id string, users [][20]byte) error {
	if users == nil {
		users = [][20]byte{}
	}
	return m.KVPut(memeLikesKey(id), users)
}

// MemeCommentsList returns the comment log for the meme in append order.
func (m *Manager) MemeCommentsList(id string) ([]meme.Comment, error) {
	var log []meme.Comment
	if err := m.KVGetList(memeCommentsKey(id), &log); err != nil {
		return nil, err
	}
	return log, nil
}

// MemeCommentsAppend appends a comment to the meme's log.
func (m *Manager) MemeCommentsAppend(id string, comment meme.Comment) error {
	var log []meme.Comment
	if err := m.KVGetList(memeCommentsKey(id), &log); err != nil {
		return err
	}
	log = append(log, comment)
	return m.KVPut(memeCommentsKey(id), log)
}

// MemeStatsGet loads the aggregate engagement stats for the address.
func (m *Manager) MemeStatsGet(addr [20]byte) (*meme.UserStats, bool, error) {
	stats := new(meme.UserStats)
	ok, err := m.KVGet(memeStatsKey(addr), stats)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return stats, true, nil
}

// MemeStatsPut persists the aggregate engagement stats keyed by the address
// recorded on the stats struct.
func (m *Manager) MemeStatsPut(stats *meme.UserStats) error {
	if stats == nil {
		return fmt.Errorf("state: stats must not be nil")
	}
	return m.KVPut(memeStatsKey(stats.Address), stats)
}
