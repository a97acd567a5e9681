package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the optional redis dedupe fast path in front of the primary
// store's unique key. Markers are planted only after a commit landed, so a
// hit proves a prior commit; misses and redis errors degrade to the
// authoritative row check (at-least-once).
type Store struct {
	cli *redis.Client
}

func New(addr, password string, db int) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("cache: missing addr")
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Store{cli: cli}, nil
}

func (s *Store) Close() error { return s.cli.Close() }

func dedupeKey(convID, msgID string) string {
	return fmt.Sprintf("mkt:dedupe:msg:%s:%s", convID, msgID)
}

// Seen reports whether the commit marker for (msg_id, conv_id) is present.
func (s *Store) Seen(ctx context.Context, msgID, convID string) (bool, error) {
	n, err := s.cli.Exists(ctx, dedupeKey(convID, msgID)).Result()
	return n > 0, err
}

// MarkCommitted plants the commit marker. Callers set it strictly after the
// row landed in the primary store, never ahead of the commit, so Seen stays
// a safe positive.
func (s *Store) MarkCommitted(ctx context.Context, msgID, convID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.cli.Set(ctx, dedupeKey(convID, msgID), "1", ttl).Err()
}
