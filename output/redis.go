package output

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/tock/errors"
)

// RedisKeyPrefix namespaces stream keys
const RedisKeyPrefix = "tock:output:"

// RedisBlobStore keeps each stream as a redis string grown with APPEND
type RedisBlobStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisBlobStore creates a redis store. A positive ttl is applied when a write stream closes.
func NewRedisBlobStore(rdb redis.UniversalClient, ttl time.Duration) *RedisBlobStore {
	return &RedisBlobStore{rdb: rdb, ttl: ttl}
}

func redisKey(name string) string { return RedisKeyPrefix + name }

// Open opens name in the given mode
func (s *RedisBlobStore) Open(ctx context.Context, name string, mode Mode) (Stream, error) {
	key := redisKey(name)

	switch mode {
	case ModeWrite:
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return nil, errors.Wrapf(err, "truncate stream %s", name)
		}
		return &redisStream{rdb: s.rdb, key: key, ttl: s.ttl}, nil

	case ModeAppend:
		return &redisStream{rdb: s.rdb, key: key, ttl: s.ttl}, nil

	case ModeRead:
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, errors.NewNotFoundError("output stream %s", name)
			}
			return nil, errors.Wrapf(err, "read stream %s", name)
		}
		return &readStream{Reader: bytes.NewReader(data)}, nil

	default:
		return nil, errors.Wrapf(ErrInvalidMode, "mode %d", mode)
	}
}

// Close closes the redis client
func (s *RedisBlobStore) Close() error {
	return s.rdb.Close()
}

type redisStream struct {
	writeOnly
	rdb redis.UniversalClient
	key string
	ttl time.Duration

	mu     sync.Mutex
	closed bool
}

func (s *redisStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrClosed
	}
	if err := s.rdb.Append(context.Background(), s.key, string(p)).Err(); err != nil {
		return 0, errors.Wrapf(err, "append to %s", s.key)
	}
	return len(p), nil
}

func (s *redisStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}
	s.closed = true
	if s.ttl > 0 {
		if err := s.rdb.Expire(context.Background(), s.key, s.ttl).Err(); err != nil {
			return errors.Wrapf(err, "expire %s", s.key)
		}
	}
	return nil
}
