// Package memory is a process-local StateStore. It is meant for tests and
// single-instance deployments; replicas do not share its state.
package memory

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/AlexKimmel/tokengate/internal/bucket"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

const stripes = 64

type entry struct {
	state     bucket.State
	expiresAt time.Time // zero means no expiry
}

// Store keeps at most maxKeys buckets, evicting the least recently used.
// Per-entry expiry follows the ttl given to Set; the LRU's own ttl only
// sweeps entries nobody reads again.
type Store struct {
	now   func() time.Time
	cache *expirable.LRU[string, entry]
	seed  maphash.Seed
	locks [stripes]sync.Mutex
}

var _ ratelimit.AtomicStore = (*Store)(nil)

type Option func(*options)

type options struct {
	now     func() time.Time
	maxKeys int
	sweep   time.Duration
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithSweepAfter sets how long an unread entry stays in memory.
func WithSweepAfter(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

func New(opts ...Option) *Store {
	o := options{
		now:     time.Now,
		maxKeys: 100_000,
		sweep:   ratelimit.DefaultTTL,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store{
		now:   o.now,
		cache: expirable.NewLRU[string, entry](o.maxKeys, nil, o.sweep),
		seed:  maphash.MakeSeed(),
	}
}

func (s *Store) Get(ctx context.Context, clientID, resource string) (bucket.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return bucket.State{}, false, err
	}
	st, ok := s.load(ratelimit.StorageKey(clientID, resource))
	return st, ok, nil
}

func (s *Store) Set(ctx context.Context, clientID, resource string, st bucket.State, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store(ratelimit.StorageKey(clientID, resource), st, ttl)
	return nil
}

// Update holds the key's stripe lock across the read and the write.
func (s *Store) Update(ctx context.Context, clientID, resource string, ttl time.Duration, fn ratelimit.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := ratelimit.StorageKey(clientID, resource)
	mu := &s.locks[maphash.String(s.seed, key)%stripes]
	mu.Lock()
	defer mu.Unlock()

	cur, ok := s.load(key)
	s.store(key, fn(cur, ok), ttl)
	return nil
}

func (s *Store) Delete(_ context.Context, clientID, resource string) error {
	s.cache.Remove(ratelimit.StorageKey(clientID, resource))
	return nil
}

// Len counts stored buckets, expired ones included until they are touched.
func (s *Store) Len() int { return s.cache.Len() }

func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}

func (s *Store) load(key string) (bucket.State, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return bucket.State{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return bucket.State{}, false
	}
	return e.state, true
}

func (s *Store) store(key string, st bucket.State, ttl time.Duration) {
	e := entry{state: st}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, e)
}
