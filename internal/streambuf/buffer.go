package streambuf

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrUnknownStream = errors.New("unknown stream")

// Buffer keeps the encoded events of a chat stream so a client that lost
// its connection can replay and follow it.
type Buffer interface {
	Append(ctx context.Context, streamID string, event []byte) error
	// Close marks the stream finished. No more events will be appended.
	Close(ctx context.Context, streamID string) error
	// Read returns the events from offset on and whether the stream is
	// finished. Unknown or expired streams return ErrUnknownStream.
	Read(ctx context.Context, streamID string, offset int) (events [][]byte, done bool, err error)
}

type memEntry struct {
	events  [][]byte
	done    bool
	touched time.Time
}

// Memory is an in-process Buffer. Streams untouched for ttl are dropped.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Memory{streams: map[string]*memEntry{}, ttl: ttl, now: time.Now}
}

func (m *Memory) Append(ctx context.Context, streamID string, event []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	e, ok := m.streams[streamID]
	if !ok {
		e = &memEntry{}
		m.streams[streamID] = e
	}
	e.events = append(e.events, append([]byte(nil), event...))
	e.touched = m.now()
	return nil
}

func (m *Memory) Close(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[streamID]
	if !ok {
		e = &memEntry{}
		m.streams[streamID] = e
	}
	e.done = true
	e.touched = m.now()
	return nil
}

func (m *Memory) Read(ctx context.Context, streamID string, offset int) ([][]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[streamID]
	if !ok || m.now().Sub(e.touched) > m.ttl {
		return nil, false, ErrUnknownStream
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(e.events) {
		return nil, e.done, nil
	}
	out := make([][]byte, len(e.events)-offset)
	copy(out, e.events[offset:])
	return out, e.done, nil
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for id, e := range m.streams {
		if now.Sub(e.touched) > m.ttl {
			delete(m.streams, id)
		}
	}
}

// Follow replays a stream from the start and keeps polling until it is
// finished or ctx ends. emit is called once per event, in order.
func Follow(ctx context.Context, b Buffer, streamID string, poll time.Duration, emit func([]byte) error) error {
	offset := 0
	for {
		events, done, err := b.Read(ctx, streamID, offset)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		offset += len(events)
		if done {
			return nil
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
