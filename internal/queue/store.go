package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// store is the minimal list-transfer surface the queue needs from its
// backend. Production uses Redis; tests use an in-memory fake. Every method
// that claims atomicity maps to a single Redis command, so the atomicity
// guarantee is the store's, not ours.
type store interface {
	// Push appends value to the tail of the named list.
	Push(ctx context.Context, list, value string) error
	// BlockingMove atomically moves the head of src to the tail of dst,
	// blocking up to timeout when src is empty. Returns "" on expiry.
	BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	// Move is the non-blocking form of BlockingMove. Returns "" when src is empty.
	Move(ctx context.Context, src, dst string) (string, error)
	// Remove deletes the first occurrence of value from the list and reports
	// how many entries were removed (0 or 1).
	Remove(ctx context.Context, list, value string) (int64, error)
	// Head returns the head of the list without mutating it, "" when empty.
	Head(ctx context.Context, list string) (string, error)
	// Entries returns a snapshot of the list in head-to-tail order.
	Entries(ctx context.Context, list string) ([]string, error)
	// Len returns the list length.
	Len(ctx context.Context, list string) (int64, error)
}

// redisStore adapts *redis.Client to the store interface. Lists grow at the
// left (LPUSH) and are consumed from the right, so the rightmost element is
// the head: the classic RPOPLPUSH reliable-queue orientation, expressed with
// LMOVE RIGHT LEFT.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) Push(ctx context.Context, list, value string) error {
	return s.client.LPush(ctx, list, value).Err()
}

func (s *redisStore) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	value, err := s.client.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *redisStore) Move(ctx context.Context, src, dst string) (string, error) {
	value, err := s.client.LMove(ctx, src, dst, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *redisStore) Remove(ctx context.Context, list, value string) (int64, error) {
	return s.client.LRem(ctx, list, 1, value).Result()
}

func (s *redisStore) Head(ctx context.Context, list string) (string, error) {
	value, err := s.client.LIndex(ctx, list, -1).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *redisStore) Entries(ctx context.Context, list string) ([]string, error) {
	values, err := s.client.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	// LRANGE returns left-to-right; reverse so index 0 is the head.
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

func (s *redisStore) Len(ctx context.Context, list string) (int64, error) {
	return s.client.LLen(ctx, list).Result()
}
