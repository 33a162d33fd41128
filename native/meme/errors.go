package meme

import "errors"

var (
	ErrNilState           = errors.New("meme: state not configured")
	ErrAlreadyInitialized = errors.New("meme: ledger already initialized")
	ErrNotInitialized     = errors.New("meme: ledger not initialized")
	ErrDuplicateID        = errors.New("meme: meme already exists")
	ErrInvalidRoyalty     = errors.New("meme: royalty cannot exceed 100")
	ErrNotFound           = errors.New("meme: meme not found")
	ErrAlreadyLiked       = errors.New("meme: already liked")
	ErrNotLiked           = errors.New("meme: not liked by user")
	ErrNoLikeHistory      = errors.New("meme: no likes recorded for meme")
	ErrEmptyComment       = errors.New("meme: comment cannot be empty")
	ErrCommentTooLong     = errors.New("meme: comment exceeds maximum length")
)
