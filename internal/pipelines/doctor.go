package pipelines

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultCacheTTL   = 5 * time.Minute
	defaultRetryAfter = 30 * time.Second
)

// CachedDoctor serves the runner's dependency check to /health without
// spawning a subprocess on every request. A failed check is remembered for
// retryAfter so a broken host is not rechecked by each health poll; until
// then the last good result, if any, is served.
type CachedDoctor struct {
	runner     Runner
	ttl        time.Duration
	retryAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	cached      *Capabilities
	lastErr     error
	lastFailure time.Time
}

func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		runner:     runner,
		ttl:        defaultCacheTTL,
		retryAfter: defaultRetryAfter,
		logger:     logger,
		now:        time.Now,
	}
}

func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && d.now().Sub(d.cached.ProbedAt) < d.ttl {
		return d.cached, nil
	}
	if d.lastErr != nil && d.now().Sub(d.lastFailure) < d.retryAfter {
		return d.fallback()
	}
	return d.check(ctx)
}

// Refresh runs the check regardless of cache age.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.check(ctx)
}

func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached, d.lastErr = nil, nil
	d.mu.Unlock()
}

// check must be called with mu held.
func (d *CachedDoctor) check(ctx context.Context) (*Capabilities, error) {
	caps, err := d.runner.RunDoctor(ctx)
	if err != nil {
		d.logger.Warn("doctor check failed", "error", err)
		d.lastErr, d.lastFailure = err, d.now()
		return d.fallback()
	}
	d.cached, d.lastErr = caps, nil
	return caps, nil
}

func (d *CachedDoctor) fallback() (*Capabilities, error) {
	if d.cached != nil {
		return d.cached, nil
	}
	return nil, d.lastErr
}
