// Package redisstore keeps bucket state in Redis so every instance of the
// service shares one budget per (client, resource).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/tokengate/internal/bucket"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

// ErrConflict is returned when Update lost every optimistic retry.
var ErrConflict = errors.New("bucket update conflicted too many times")

// Store serializes bucket.State as JSON under ratelimit.StorageKey.
type Store struct {
	client     redis.UniversalClient
	maxRetries int
}

var _ ratelimit.AtomicStore = (*Store)(nil)

type Option func(*Store)

// WithMaxRetries sets how many WATCH transactions Update attempts.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, maxRetries: 8}
	for _, o := range opts {
		o(s)
	}
	return s
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) Get(ctx context.Context, clientID, resource string) (bucket.State, bool, error) {
	return read(ctx, s.client, ratelimit.StorageKey(clientID, resource))
}

func (s *Store) Set(ctx context.Context, clientID, resource string, st bucket.State, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ratelimit.StorageKey(clientID, resource), data, ttl).Err()
}

// Update runs fn inside WATCH/MULTI and retries when another writer
// touched the key between the read and the EXEC.
func (s *Store) Update(ctx context.Context, clientID, resource string, ttl time.Duration, fn ratelimit.UpdateFunc) error {
	key := ratelimit.StorageKey(clientID, resource)

	txf := func(tx *redis.Tx) error {
		cur, ok, err := read(ctx, tx, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(fn(cur, ok))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (s *Store) Delete(ctx context.Context, clientID, resource string) error {
	return s.client.Del(ctx, ratelimit.StorageKey(clientID, resource)).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func read(ctx context.Context, g getter, key string) (bucket.State, bool, error) {
	b, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return bucket.State{}, false, nil
	}
	if err != nil {
		return bucket.State{}, false, err
	}
	var st bucket.State
	if err := json.Unmarshal(b, &st); err != nil {
		return bucket.State{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return st, true, nil
}
