package chat

import "errors"

var (
	// ErrNotFound covers both a missing chat and a chat owned by someone else.
	ErrNotFound     = errors.New("chat not found or unauthorized")
	ErrUserNotFound = errors.New("user not found")
)
