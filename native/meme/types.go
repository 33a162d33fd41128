package meme

import "math/big"

// MemeRecord describes a minted meme together with its rolling engagement
// counters. Counters only move through engine operations so the stored record
// is always internally consistent.
type MemeRecord struct {
	ID                string   `json:"id"`
	Owner             [20]byte `json:"owner"`
	Creator           [20]byte `json:"creator"`
	MediaURL          string   `json:"mediaUrl"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Royalty           uint8    `json:"royalty"`
	LikesCount        uint32   `json:"likesCount"`
	CommentsCount     uint32   `json:"commentsCount"`
	LastLikeTimestamp uint64   `json:"lastLikeTimestamp"`
}

// Clone returns a copy of the record so callers can hand it out without
// exposing engine-owned data.
func (m *MemeRecord) Clone() *MemeRecord {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Comment captures a single comment left on a meme. Text is stored after
// whitespace trimming, Timestamp carries the ledger time in nanoseconds.
type Comment struct {
	User      [20]byte `json:"user"`
	Text      string   `json:"text"`
	Timestamp uint64   `json:"timestamp"`
}

// UserStats aggregates the engagement a meme owner has received across all of
// their memes.
type UserStats struct {
	Address       [20]byte `json:"address"`
	TotalLikes    uint32   `json:"totalLikes"`
	TotalComments uint32   `json:"totalComments"`
	TotalEarnings *big.Int `json:"totalEarnings"`
}

// Clone returns a deep copy of the stats record.
func (s *UserStats) Clone() *UserStats {
	if s == nil {
		return nil
	}
	clone := *s
	if s.TotalEarnings != nil {
		clone.TotalEarnings = new(big.Int).Set(s.TotalEarnings)
	}
	return &clone
}
