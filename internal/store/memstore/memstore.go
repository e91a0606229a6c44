// Package memstore is an in-process store backend. A single mutex gives
// every transaction serial isolation, so it coordinates goroutines within
// one process only. It backs tests and single-instance deployments.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gourl/coord/internal/store"
)

// ErrClosed is wrapped in store.ErrUnavailable for calls after Close.
var ErrClosed = errors.New("memstore: closed")

// DefaultSweepInterval is how often expired state is removed.
const DefaultSweepInterval = time.Minute

// entry is one admitted event.
type entry struct {
	at  time.Time
	tag string
}

// window holds the entries of one rate window ordered by time.
type window struct {
	entries   []entry
	expiresAt time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

// Store implements store.Store in memory.
type Store struct {
	mu      sync.Mutex
	windows map[string]*window
	leases  map[string]lease
	now     func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for lease and idle-window expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store and starts its sweeper. A non-positive interval
// selects DefaultSweepInterval.
func New(sweepInterval time.Duration, opts ...Option) *Store {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &Store{
		windows: make(map[string]*window),
		leases:  make(map[string]lease),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.sweepLoop(sweepInterval)

	return s
}

// Admit implements store.Windows.
func (s *Store) Admit(ctx context.Context, key string, req store.WindowRequest) (store.WindowReply, error) {
	if err := s.check(ctx, "admit"); err != nil {
		return store.WindowReply{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}

	// drop everything at or before the cutoff; entries are sorted
	cutoff := req.Cutoff()
	keep := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].at.After(cutoff)
	})
	w.entries = append(w.entries[:0], w.entries[keep:]...)

	reply := store.WindowReply{Count: len(w.entries)}
	if reply.Count < req.Limit {
		w.insert(entry{at: req.Now, tag: req.Tag})
		w.expiresAt = s.now().Add(req.Window)
		reply.Allowed = true
	}
	if len(w.entries) > 0 {
		reply.Oldest = w.entries[0].at
	} else {
		delete(s.windows, key)
	}
	return reply, nil
}

// insert keeps entries ordered when callers' clocks are not monotonic.
func (w *window) insert(e entry) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].at.After(e.at)
	})
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

// Drop implements store.Windows.
func (s *Store) Drop(ctx context.Context, key string) error {
	if err := s.check(ctx, "drop"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// liveLease returns the lease under key if it has not expired.
// Callers hold s.mu.
func (s *Store) liveLease(key string) (lease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return lease{}, false
	}
	if !s.now().Before(l.expiresAt) {
		delete(s.leases, key)
		return lease{}, false
	}
	return l, true
}

// Claim implements store.Leases.
func (s *Store) Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "claim"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.liveLease(key); held {
		return false, nil
	}
	s.leases[key] = lease{token: token, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// Release implements store.Leases.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	if err := s.check(ctx, "release"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.liveLease(key)
	if !held || l.token != token {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

// Renew implements store.Leases.
func (s *Store) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.check(ctx, "renew"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.liveLease(key)
	if !held || l.token != token {
		return false, nil
	}
	l.expiresAt = s.now().Add(ttl)
	s.leases[key] = l
	return true, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// check fails calls made after Close or with a finished context.
func (s *Store) check(ctx context.Context, op string) error {
	select {
	case <-s.done:
		return store.Unavailable(op, ErrClosed)
	default:
		return ctx.Err()
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Len reports the number of live windows and leases.
func (s *Store) Len() (windows, leases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows), len(s.leases)
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes idle windows and expired leases.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
	for key, l := range s.leases {
		if !now.Before(l.expiresAt) {
			delete(s.leases, key)
		}
	}
}
