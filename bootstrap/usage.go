package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes usage events that have aged out of retention.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionPruner periodically trims the usage ledger so aggregation stays
// bounded. Retention must cover the quota window or resets are lost.
type RetentionPruner struct {
	ledger    Pruner
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRetentionPruner creates and starts a pruner. A zero retention disables it.
func NewRetentionPruner(ledger Pruner, retention, interval time.Duration, logger zerolog.Logger) *RetentionPruner {
	if interval == 0 {
		interval = time.Hour
	}

	p := &RetentionPruner{
		ledger:    ledger,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	if retention > 0 {
		p.wg.Add(1)
		go p.pruneLoop()
	}

	return p
}

// PruneNow runs one pass immediately.
func (p *RetentionPruner) PruneNow(ctx context.Context) (int64, error) {
	n, err := p.ledger.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error().Err(err).Msg("usage prune failed")
		return 0, err
	}
	if n > 0 {
		p.logger.Info().Int64("deleted", n).Dur("retention", p.retention).Msg("pruned usage events")
	}
	return n, nil
}

func (p *RetentionPruner) pruneLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			p.PruneNow(ctx)
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the pruning loop.
func (p *RetentionPruner) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
	return nil
}
