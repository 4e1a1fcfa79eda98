package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/domain/usage"
	"github.com/artpar/paywall/ports"
)

// usageShard holds the ledgers of the subjects hashed to it.
type usageShard struct {
	mu     sync.RWMutex
	events map[string][]usage.Event
}

// UsageStore is a sharded in-memory implementation of ports.UsageStore.
// Subjects are spread across shards to reduce lock contention.
type UsageStore struct {
	shards    []*usageShard
	numShards int
	retention time.Duration
	clock     ports.Clock
	cleanup   *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
}

// UsageStoreConfig configures the in-memory usage ledger.
type UsageStoreConfig struct {
	NumShards       int           // Number of shards (default: 32)
	Retention       time.Duration // Events older than this are pruned (0 disables)
	CleanupInterval time.Duration // How often to prune (default: 5m)
	Clock           ports.Clock   // Retention cutoff source (default: wall clock)
}

// NewUsageStore creates an in-memory usage ledger without background pruning.
func NewUsageStore() *UsageStore {
	return NewUsageStoreWithConfig(UsageStoreConfig{})
}

// NewUsageStoreWithConfig creates an in-memory usage ledger.
func NewUsageStoreWithConfig(cfg UsageStoreConfig) *UsageStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &UsageStore{
		shards:    make([]*usageShard, cfg.NumShards),
		numShards: cfg.NumShards,
		retention: cfg.Retention,
		clock:     clock.Or(cfg.Clock),
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &usageShard{events: make(map[string][]usage.Event)}
	}

	if cfg.Retention > 0 {
		s.cleanup = time.NewTicker(cfg.CleanupInterval)
		go s.cleanupLoop()
	}

	return s
}

func (s *UsageStore) shard(subjectID string) *usageShard {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Append stores one event.
func (s *UsageStore) Append(ctx context.Context, e usage.Event) error {
	sh := s.shard(e.SubjectID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.events[e.SubjectID] = append(sh.events[e.SubjectID], e)
	return nil
}

// Aggregate returns the subject's usage over the trailing window.
func (s *UsageStore) Aggregate(ctx context.Context, subjectID string, end time.Time, size time.Duration) (usage.Usage, error) {
	sh := s.shard(subjectID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return usage.Aggregate(subjectID, sh.events[subjectID], end, size), nil
}

// Prune deletes events older than before.
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for subject, events := range sh.events {
			kept := events[:0]
			for _, e := range events {
				if e.Timestamp.Before(before) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(sh.events, subject)
			} else {
				sh.events[subject] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Events returns a copy of the subject's ledger (for testing).
func (s *UsageStore) Events(subjectID string) []usage.Event {
	sh := s.shard(subjectID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return append([]usage.Event(nil), sh.events[subjectID]...)
}

// Stop stops background pruning.
func (s *UsageStore) Stop() {
	s.stopOnce.Do(func() {
		if s.cleanup != nil {
			s.cleanup.Stop()
		}
		close(s.done)
	})
}

// PruneExpired drops events older than the retention period, measured on the
// store's clock. It is a no-op without retention.
func (s *UsageStore) PruneExpired(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, s.clock.Now().Add(-s.retention))
}

func (s *UsageStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.PruneExpired(context.Background())
		case <-s.done:
			return
		}
	}
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
