package lease_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/lease"
	"github.com/ashita-ai/kiseki/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	opts, err := redis.ParseURL(tc.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse redis url: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testRedis = redis.NewClient(opts)

	code := m.Run()

	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

func lockers(t *testing.T) map[string]lease.Locker {
	t.Helper()
	return map[string]lease.Locker{
		"local": lease.NewLocal(),
		"redis": lease.NewRedis(testRedis, fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())),
	}
}

func TestLockerOwnership(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.Acquire(ctx, "run_1", "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Acquire(ctx, "run_1", "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second owner is refused")

			ok, err = l.Acquire(ctx, "run_1", "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "owner may re-acquire")

			holder, err := l.Holder(ctx, "run_1")
			require.NoError(t, err)
			assert.Equal(t, "a", holder)

			ok, err = l.Refresh(ctx, "run_1", "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "non-owner cannot refresh")

			require.NoError(t, l.Release(ctx, "run_1", "b"))
			holder, _ = l.Holder(ctx, "run_1")
			assert.Equal(t, "a", holder, "non-owner release is ignored")

			require.NoError(t, l.Release(ctx, "run_1", "a"))
			holder, err = l.Holder(ctx, "run_1")
			require.NoError(t, err)
			assert.Empty(t, holder)

			ok, err = l.Acquire(ctx, "run_1", "b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLockerExpiry(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.Acquire(ctx, "run_2", "a", 50*time.Millisecond)
			require.NoError(t, err)
			require.True(t, ok)

			time.Sleep(120 * time.Millisecond)

			ok, err = l.Refresh(ctx, "run_2", "a", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "expired lease cannot be refreshed")

			ok, err = l.Acquire(ctx, "run_2", "b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired lease can be taken over")
		})
	}
}

func TestHoldRefreshesAndReleases(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			h, err := lease.Hold(ctx, l, "run_3", "a", 150*time.Millisecond, testutil.TestLogger())
			require.NoError(t, err)

			// Outlive the ttl several times over; the refresher keeps it.
			time.Sleep(500 * time.Millisecond)
			holder, err := l.Holder(ctx, "run_3")
			require.NoError(t, err)
			assert.Equal(t, "a", holder)

			_, err = lease.Hold(ctx, l, "run_3", "b", time.Minute, nil)
			assert.ErrorIs(t, err, lease.ErrHeld)

			require.NoError(t, h.Release(ctx))
			holder, _ = l.Holder(ctx, "run_3")
			assert.Empty(t, holder)

			select {
			case <-h.Lost():
				t.Fatal("released lease must not report lost")
			default:
			}
		})
	}
}

func TestHoldReportsLost(t *testing.T) {
	ctx := context.Background()
	l := lease.NewLocal()
	h, err := lease.Hold(ctx, l, "run_4", "a", 90*time.Millisecond, nil)
	require.NoError(t, err)

	// Another owner steals it once ours lapses.
	require.NoError(t, l.Release(ctx, "run_4", "a"))
	ok, err := l.Acquire(ctx, "run_4", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected lost notification")
	}
	require.NoError(t, h.Release(ctx))
	holder, _ := l.Holder(ctx, "run_4")
	assert.Equal(t, "b", holder, "release by a former owner leaves the new owner alone")
}
