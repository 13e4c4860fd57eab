package pgstore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-agents"
)

var _ x402.NonceStore = (*Store)(nil)

// newTestStore requires DB_SOURCE to point at a reachable PostgreSQL.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DB_SOURCE")
	if dsn == "" {
		t.Skip("Skipping Postgres integration test: DB_SOURCE not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("Skipping Postgres integration test: %v", err)
	}
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(s.Close)
	return s
}

func testKey() string {
	return "test:" + uuid.NewString()
}

func TestStore_ReserveCommitRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	exp := time.Now().Add(time.Minute)

	ok, err := s.Reserve(ctx, key, exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reserve(ctx, key, exp)
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, s.Commit(ctx, key, "0xfeed"))
	require.NoError(t, s.Release(ctx, key))

	tx, committed, err := s.Transaction(ctx, key)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, "0xfeed", tx)
}

func TestStore_ReleaseAllowsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	ok, err := s.Reserve(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, key))

	ok, err = s.Reserve(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ExpiredReservationIsReplaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	ok, err := s.Reserve(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err = s.Reserve(ctx, key, time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ConcurrentReserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(ctx, key, time.Now().Add(time.Minute))
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
