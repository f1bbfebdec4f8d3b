// Package health tracks whether the service's outbound dependencies
// (model providers, the thread store) are reachable.
//
// Each dependency is probed in two phases. At startup the probe is
// retried with exponential backoff until it succeeds or the attempts
// run out. After that it is polled at a fixed interval, and
// transitions between reachable and unreachable are logged.
package health

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// ProbeFunc reports nil when a dependency is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial         time.Duration // first retry delay
	Max             time.Duration // retry delay ceiling
	Multiplier      float64
	StartupAttempts int
	Poll            time.Duration // interval after startup
	ProbeTimeout    time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s, five times,
// then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             time.Minute,
		Multiplier:      2,
		StartupAttempts: 5,
		Poll:            time.Minute,
		ProbeTimeout:    10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is one dependency's health, as served on /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type check struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	done    chan struct{}

	mu      sync.Mutex
	ready   bool
	checked time.Time
	lastErr error
}

func (c *check) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Name: c.name, Ready: c.ready, LastCheck: c.checked}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// probeOnce runs the probe and records the outcome. It returns whether
// the dependency was ready before and is ready now.
func (c *check) probeOnce(ctx context.Context) (was, now bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, c.backoff.ProbeTimeout)
	err = c.probe(pctx)
	cancel()

	c.mu.Lock()
	was = c.ready
	c.ready = err == nil
	c.checked = time.Now()
	c.lastErr = err
	c.mu.Unlock()
	return was, err == nil, err
}

func (c *check) run(ctx context.Context) {
	defer close(c.done)

	delay := c.backoff.Initial
	for attempt := 1; attempt <= c.backoff.StartupAttempts; attempt++ {
		_, ok, err := c.probeOnce(ctx)
		if ok {
			c.logger.Info("dependency reachable", "dependency", c.name, "attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == c.backoff.StartupAttempts {
			c.logger.Warn("dependency unreachable at startup, polling in background",
				"dependency", c.name, "attempts", attempt, "error", err)
			break
		}
		c.logger.Debug("dependency probe failed, retrying",
			"dependency", c.name, "attempt", attempt, "next_delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*c.backoff.Multiplier), c.backoff.Max)
	}

	ticker := time.NewTicker(c.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		was, now, err := c.probeOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case was && !now:
			c.logger.Warn("dependency became unreachable", "dependency", c.name, "error", err)
		case !was && now:
			c.logger.Info("dependency recovered", "dependency", c.name)
		}
	}
}

// Monitor runs one probe loop per dependency.
type Monitor struct {
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]*check
	cancel []context.CancelFunc
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, checks: make(map[string]*check)}
}

// Watch starts probing a dependency in the background until ctx is
// cancelled or Stop is called. Zero Backoff fields take defaults.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) {
	ctx, cancel := context.WithCancel(ctx)
	c := &check{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.checks[name] = c
	m.cancel = append(m.cancel, cancel)
	m.mu.Unlock()

	go c.run(ctx)
}

// Status lists every dependency, sorted by name. A nil monitor has
// none.
func (m *Monitor) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.status())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every dependency is reachable.
func (m *Monitor) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancels := slices.Clone(m.cancel)
	checks := make([]*check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range checks {
		<-c.done
	}
}
