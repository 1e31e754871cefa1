package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/medchat/internal/streambuf"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// StreamBuffer is a streambuf.Buffer on Redis lists. Every write refreshes
// the key TTL.
type StreamBuffer struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ streambuf.Buffer = (*StreamBuffer)(nil)

func NewStreamBuffer(rdb *redis.Client, ttl time.Duration) *StreamBuffer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StreamBuffer{rdb: rdb, ttl: ttl}
}

func eventsKey(streamID string) string { return fmt.Sprintf("chatstream:%s:events", streamID) }
func doneKey(streamID string) string   { return fmt.Sprintf("chatstream:%s:done", streamID) }

func (b *StreamBuffer) Append(ctx context.Context, streamID string, event []byte) error {
	key := eventsKey(streamID)
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, event)
	pipe.Expire(ctx, key, b.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *StreamBuffer) Close(ctx context.Context, streamID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, doneKey(streamID), "1", b.ttl)
	pipe.Expire(ctx, eventsKey(streamID), b.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *StreamBuffer) Read(ctx context.Context, streamID string, offset int) ([][]byte, bool, error) {
	if offset < 0 {
		offset = 0
	}
	// done is read first so that a finished stream never misses its tail
	done := true
	if err := b.rdb.Get(ctx, doneKey(streamID)).Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, false, err
		}
		done = false
	}
	n, err := b.rdb.Exists(ctx, eventsKey(streamID)).Result()
	if err != nil {
		return nil, false, err
	}
	if n == 0 && !done {
		return nil, false, streambuf.ErrUnknownStream
	}
	vals, err := b.rdb.LRange(ctx, eventsKey(streamID), int64(offset), -1).Result()
	if err != nil {
		return nil, false, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, done, nil
}
