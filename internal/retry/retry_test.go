package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowlens/runner/internal/apperr"
)

func fast(p Policy) Policy {
	return p.WithIntervals(time.Millisecond, 2*time.Millisecond)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(RemoteUpload), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AttemptBudgets(t *testing.T) {
	cases := []struct {
		policy Policy
		err    error
		want   int
	}{
		{RemoteUpload, errors.New("boom"), 5},
		{RemoteGenerate, errors.New("boom"), 3},
		{Download, apperr.E(apperr.KindNetwork, "get", errors.New("reset")), 3},
		{ResultUpload, apperr.E(apperr.KindIO, "read", errors.New("eio")), 3},
		{Analysis, apperr.E(apperr.KindQuota, "run", errors.New("quota")), 2},
	}
	for _, tc := range cases {
		t.Run(tc.policy.Name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(tc.policy), nil, func(ctx context.Context) error {
				calls++
				return tc.err
			})
			require.Error(t, err)
			assert.Same(t, tc.err, err, "final failure must surface unchanged")
			assert.Equal(t, tc.want, calls)
		})
	}
}

func TestDo_IneligibleFailureIsNotRetried(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		err    error
	}{
		{"download validation", Download, apperr.Errorf(apperr.KindValidation, "download", "empty video")},
		{"result upload storage", ResultUpload, apperr.Errorf(apperr.KindStorage, "upload", "HTTP 403")},
		{"analysis timeout", Analysis, apperr.Errorf(apperr.KindTimeout, "run", "wall clock")},
		{"analysis validation", Analysis, apperr.Errorf(apperr.KindValidation, "run", "bad output")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(tc.policy), nil, func(ctx context.Context) error {
				calls++
				return tc.err
			})
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoValue(context.Background(), fast(RemoteGenerate), nil, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("flaky")
		}
		return "analysis text", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "analysis text", got)
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RemoteUpload.WithIntervals(time.Hour, time.Hour)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, nil, func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicy_Retryable(t *testing.T) {
	assert.False(t, Download.Retryable(nil))
	assert.True(t, RemoteUpload.Retryable(errors.New("anything")))
	assert.True(t, Download.Retryable(apperr.E(apperr.KindTimeout, "get", errors.New("slow"))))
	assert.False(t, Download.Retryable(errors.New("unclassified")))
	assert.True(t, Analysis.Retryable(apperr.E(apperr.KindRemoteAPI, "run", errors.New("gemini api 500"))))
}
