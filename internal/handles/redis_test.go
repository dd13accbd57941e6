package handles

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLedger(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	l := NewRedisLedger(rdb, "test-"+uuid.NewString(), time.Minute)
	defer rdb.Del(ctx, l.key)

	require.NoError(t, l.Record(ctx, "files/b"))
	require.NoError(t, l.Record(ctx, "files/a"))
	require.NoError(t, l.Record(ctx, "files/c"))
	require.NoError(t, l.Release(ctx, "files/c"))

	got, err := l.Outstanding(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"files/a", "files/b"}, got)

	ttl, err := rdb.TTL(ctx, l.key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	d := &fakeDeleter{}
	released, err := Sweep(ctx, l, d, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	got, err = l.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
