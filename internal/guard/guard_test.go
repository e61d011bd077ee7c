package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/migrate"
	"repairline/internal/repo"
)

type store interface {
	Claim(ctx context.Context, eventID, runID string) (bool, error)
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID, runID, taskID string) error
	Release(ctx context.Context, eventID, runID string) error
	List(ctx context.Context, limit int) ([]domain.ProcessedEvent, error)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newSQL(t *testing.T, c *clock) *SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	g := NewSQL(repo.Repo{DB: conn}, 0)
	g.Now = c.Now
	return g
}

func newMemory(c *clock) *Memory {
	m := NewMemory()
	m.Now = c.Now
	return m
}

func eachGuard(t *testing.T, fn func(t *testing.T, g store, c *clock)) {
	t.Run("sql", func(t *testing.T) {
		c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		fn(t, newSQL(t, c), c)
	})
	t.Run("memory", func(t *testing.T) {
		c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		fn(t, newMemory(c), c)
	})
}

func TestClaimMarkSeen(t *testing.T) {
	eachGuard(t, func(t *testing.T, g store, c *clock) {
		ctx := context.Background()
		seen, err := g.Seen(ctx, "evt")
		require.NoError(t, err)
		assert.False(t, seen)

		ok, err := g.Claim(ctx, "evt", "run-1")
		require.NoError(t, err)
		require.True(t, ok)

		seen, _ = g.Seen(ctx, "evt")
		assert.True(t, seen, "live claim counts as seen")

		ok, _ = g.Claim(ctx, "evt", "run-2")
		assert.False(t, ok)

		require.NoError(t, g.Mark(ctx, "evt", "run-1", "task-1"))
		c.Advance(48 * time.Hour)
		ok, _ = g.Claim(ctx, "evt", "run-3")
		assert.False(t, ok)

		rows, err := g.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "task-1", rows[0].TaskID)
	})
}

func TestReleaseAllowsRetry(t *testing.T) {
	eachGuard(t, func(t *testing.T, g store, _ *clock) {
		ctx := context.Background()
		ok, _ := g.Claim(ctx, "evt", "run-1")
		require.True(t, ok)
		require.NoError(t, g.Release(ctx, "evt", "run-1"))
		ok, err := g.Claim(ctx, "evt", "run-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStaleClaimExpires(t *testing.T) {
	eachGuard(t, func(t *testing.T, g store, c *clock) {
		ctx := context.Background()
		ok, _ := g.Claim(ctx, "evt", "crashed")
		require.True(t, ok)
		c.Advance(DefaultClaimTTL + time.Second)
		seen, _ := g.Seen(ctx, "evt")
		assert.False(t, seen)
		ok, _ = g.Claim(ctx, "evt", "run-2")
		assert.True(t, ok)
	})
}

func TestMarkWithoutClaimUpserts(t *testing.T) {
	eachGuard(t, func(t *testing.T, g store, _ *clock) {
		ctx := context.Background()
		require.NoError(t, g.Mark(ctx, "evt", "manual", "task-2"))
		seen, _ := g.Seen(ctx, "evt")
		assert.True(t, seen)
	})
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	eachGuard(t, func(t *testing.T, g store, _ *clock) {
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := g.Claim(ctx, "evt", fmt.Sprintf("run-%d", i))
				if assert.NoError(t, err) && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
