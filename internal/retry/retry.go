// Package retry runs operations under the bounded retry policies used across
// the runner. Each policy fixes an attempt budget, a backoff shape and the
// failure kinds it is willing to retry; anything else fails immediately.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/workflowlens/runner/internal/apperr"
)

// Policy describes one row of the retry table.
type Policy struct {
	Name                string
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// RetryOn lists the failure kinds eligible for another attempt.
	// Empty means every failure is retried.
	RetryOn []apperr.Kind
}

var (
	// RemoteUpload covers pushing a segment to the inference service.
	RemoteUpload = Policy{
		Name:                "remote_upload",
		MaxAttempts:         5,
		InitialInterval:     2 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}

	// RemoteGenerate covers the generation request for an active handle.
	RemoteGenerate = Policy{
		Name:                "remote_generate",
		MaxAttempts:         3,
		InitialInterval:     2 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}

	// Download covers fetching the source video from object storage.
	Download = Policy{
		Name:            "download",
		MaxAttempts:     3,
		InitialInterval: 4 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		RetryOn:         []apperr.Kind{apperr.KindNetwork, apperr.KindTimeout},
	}

	// ResultUpload covers pushing analysis artifacts to object storage.
	ResultUpload = Policy{
		Name:            "result_upload",
		MaxAttempts:     3,
		InitialInterval: 4 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		RetryOn:         []apperr.Kind{apperr.KindNetwork, apperr.KindTimeout, apperr.KindIO},
	}

	// Analysis covers one invocation of the analysis subprocess. Timeouts
	// are deliberately absent: a run that hit the wall clock is not retried.
	Analysis = Policy{
		Name:            "analysis",
		MaxAttempts:     2,
		InitialInterval: 10 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		RetryOn:         []apperr.Kind{apperr.KindQuota, apperr.KindRemoteAPI},
	}
)

// Retryable reports whether err is eligible for another attempt under p.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	return apperr.Is(err, p.RetryOn...)
}

// WithIntervals returns a copy of p with a different backoff window.
func (p Policy) WithIntervals(initial, max time.Duration) Policy {
	p.InitialInterval = initial
	p.MaxInterval = max
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails with an ineligible error, or the
// attempt budget is spent. The final failure is returned unchanged.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if logger == nil {
			return
		}
		logger.Warn("retrying operation",
			"policy", p.Name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, logger *slog.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, logger, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
