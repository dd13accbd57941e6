package inference

import (
	"context"
	"time"

	"github.com/workflowlens/runner/internal/apperr"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxActiveWait = 300 * time.Second
)

// WaitActive polls a handle at a fixed interval until it is active. It
// fails immediately when the remote side reports the handle failed, and
// with a timeout once maxWait has elapsed. A handle the service does not
// know yet counts as still uploading.
func WaitActive(ctx context.Context, c Client, name string, interval, maxWait time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxActiveWait
	}
	deadline := time.Now().Add(maxWait)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := c.Status(ctx, name)
		switch {
		case err != nil && apperr.KindOf(err) != apperr.KindNotFound:
			return err
		case state == StateActive:
			return nil
		case state == StateFailed:
			return apperr.Errorf(apperr.KindHandleFailed, "wait active", "remote video processing of %s failed", name)
		}

		if time.Now().After(deadline) {
			return apperr.Errorf(apperr.KindTimeout, "wait active", "handle %s not active after %s (timeout)", name, maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
