package meme

import (
	"fmt"

	"memefi/core/events"
	"memefi/core/types"
)

const (
	// EventTypeMinted is emitted when a new meme enters the ledger.
	EventTypeMinted = "meme.minted"
	// EventTypeLiked is emitted when an identity likes a meme.
	EventTypeLiked = "meme.liked"
	// EventTypeUnliked is emitted when an identity withdraws a like.
	EventTypeUnliked = "meme.unliked"
	// EventTypeCommented is emitted when a comment is appended to a meme.
	EventTypeCommented = "meme.commented"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

// MintedEvent returns the structured event payload for a freshly minted meme.
func MintedEvent(memeID string, owner string, creator string, royalty uint8) *types.Event {
	return &types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"memeId":  memeID,
			"owner":   owner,
			"creator": creator,
			"royalty": fmt.Sprintf("%d", royalty),
		},
	}
}

// LikedEvent returns the structured event payload for a recorded like.
func LikedEvent(memeID string, user string, likes uint32, timestamp uint64) *types.Event {
	return &types.Event{
		Type: EventTypeLiked,
		Attributes: map[string]string{
			"memeId":    memeID,
			"user":      user,
			"likes":     fmt.Sprintf("%d", likes),
			"timestamp": fmt.Sprintf("%d", timestamp),
		},
	}
}

// UnlikedEvent returns the structured event payload for a withdrawn like.
func UnlikedEvent(memeID string, user string, likes uint32) *types.Event {
	return &types.Event{
		Type: EventTypeUnliked,
		Attributes: map[string]string{
			"memeId": memeID,
			"user":   user,
			"likes":  fmt.Sprintf("%d", likes),
		},
	}
}

// CommentedEvent returns the structured event payload for an appended comment.
func CommentedEvent(memeID string, user string, comments uint32, timestamp uint64) *types.Event {
	return &types.Event{
		Type: EventTypeCommented,
		Attributes: map[string]string{
			"memeId":    memeID,
			"user":      user,
			"comments":  fmt.Sprintf("%d", comments),
			"timestamp": fmt.Sprintf("%d", timestamp),
		},
	}
}
