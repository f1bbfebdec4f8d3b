package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner periodically removes idle threads from a Store.
type Pruner struct {
	cron    *cron.Cron
	store   Store
	maxAge  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewPruner schedules Prune on a standard five-field cron expression.
func NewPruner(store Store, schedule string, maxAge time.Duration, logger *slog.Logger) (*Pruner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pruner{
		cron:    cron.New(),
		store:   store,
		maxAge:  maxAge,
		timeout: time.Minute,
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(schedule, p.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return p, nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	n, err := p.store.Prune(ctx, p.maxAge)
	if err != nil {
		p.logger.Error("checkpoint prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned idle threads", "count", n, "max_age", p.maxAge)
	}
}

// Start begins running scheduled prunes in the background.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune, or for ctx.
func (p *Pruner) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
