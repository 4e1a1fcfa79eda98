package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockPruner records prune calls.
type mockPruner struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
	deleted   int64
	err       error
}

func (m *mockPruner) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.retention = retention
	if m.err != nil {
		return 0, m.err
	}
	return m.deleted, nil
}

func (m *mockPruner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNewRetentionPruner_Defaults(t *testing.T) {
	p := NewRetentionPruner(&mockPruner{}, 48*time.Hour, 0, zerolog.Nop())
	defer p.Close()

	if p.interval != time.Hour {
		t.Errorf("interval should default to 1h, got %v", p.interval)
	}
	if p.retention != 48*time.Hour {
		t.Errorf("retention should be 48h, got %v", p.retention)
	}
}

func TestRetentionPruner_PruneNow(t *testing.T) {
	store := &mockPruner{deleted: 7}
	p := NewRetentionPruner(store, 48*time.Hour, time.Hour, zerolog.Nop())
	defer p.Close()

	n, err := p.PruneNow(context.Background())
	if err != nil {
		t.Fatalf("PruneNow error: %v", err)
	}
	if n != 7 {
		t.Errorf("deleted = %d, want 7", n)
	}
	if store.retention != 48*time.Hour {
		t.Errorf("retention passed = %v, want 48h", store.retention)
	}
}

func TestRetentionPruner_PruneNowError(t *testing.T) {
	store := &mockPruner{err: errors.New("db down")}
	p := NewRetentionPruner(store, time.Hour, time.Hour, zerolog.Nop())
	defer p.Close()

	if _, err := p.PruneNow(context.Background()); err == nil {
		t.Error("expected error from failing store")
	}
}

func TestRetentionPruner_Loop(t *testing.T) {
	store := &mockPruner{}
	p := NewRetentionPruner(store, time.Hour, 10*time.Millisecond, zerolog.Nop())

	deadline := time.Now().Add(2 * time.Second)
	for store.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Close()

	if store.callCount() < 2 {
		t.Errorf("expected at least 2 prune passes, got %d", store.callCount())
	}

	// No passes after Close
	after := store.callCount()
	time.Sleep(30 * time.Millisecond)
	if store.callCount() != after {
		t.Error("pruner kept running after Close")
	}
}

func TestRetentionPruner_Disabled(t *testing.T) {
	store := &mockPruner{}
	p := NewRetentionPruner(store, 0, 5*time.Millisecond, zerolog.Nop())

	time.Sleep(30 * time.Millisecond)
	p.Close()

	if store.callCount() != 0 {
		t.Errorf("disabled pruner ran %d times", store.callCount())
	}
}

func TestRetentionPruner_CloseTwice(t *testing.T) {
	p := NewRetentionPruner(&mockPruner{}, time.Hour, time.Hour, zerolog.Nop())

	if err := p.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
