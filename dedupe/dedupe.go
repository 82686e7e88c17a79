// Package dedupe remembers which inbound message ids have already been
// handled, so events replayed after a resume do not run a command twice.
package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/qqbot-gateway/config"
)

// Store defines the interface for duplicate suppression.
type Store interface {
	// MarkSeen records id and reports whether this is its first sighting.
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// New returns the store named by cfg.Store, falling back to memory when
// redis is asked for without a client. It returns nil when disabled.
func New(cfg config.DedupeConfig, client *redis.Client) Store {
	if !cfg.Enabled {
		return nil
	}
	ttl := time.Duration(cfg.TTL) * time.Second
	if strings.EqualFold(cfg.Store, "redis") && client != nil {
		return NewRedisStore(client, ttl)
	}
	return NewMemoryStore(ttl, clockwork.NewRealClock())
}

// MemoryStore keeps ids in process for ttl.
type MemoryStore struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

func NewMemoryStore(ttl time.Duration, clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{ttl: ttl, clock: clock, seen: make(map[string]time.Time), lastSweep: clock.Now()}
}

func (s *MemoryStore) MarkSeen(_ context.Context, id string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.seen[id]; ok && now.Before(expires) {
		return false, nil
	}
	s.sweepLocked(now)
	s.seen[id] = now.Add(s.ttl)
	return true, nil
}

// sweepLocked drops expired ids at most once per ttl. Expired ids that have
// not been swept yet are still reported as new by MarkSeen.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.ttl {
		return
	}
	s.lastSweep = now
	for id, expires := range s.seen {
		if !now.Before(expires) {
			delete(s.seen, id)
		}
	}
}

// Len reports how many ids are currently remembered.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
