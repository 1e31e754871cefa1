package common

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	MessageIDPrefix  = "msg-"
	ToolCallIDPrefix = "call-"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a monotonic ULID string. IDs generated within the same
// millisecond sort in generation order.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMessageID returns an id for server-emitted messages. The prefix keeps them
// apart from chat and user ids, which are UUIDs.
func NewMessageID() (string, error) {
	id, err := NewULID()
	if err != nil {
		return "", err
	}
	return MessageIDPrefix + id, nil
}

func NewToolCallID() (string, error) {
	id, err := NewULID()
	if err != nil {
		return "", err
	}
	return ToolCallIDPrefix + id, nil
}

func NewChatID() string { return uuid.NewString() }

func NewStreamID() string { return uuid.NewString() }
