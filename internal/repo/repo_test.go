package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func TestClaimEventLifecycle(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ok, err := r.ClaimEvent(ctx, "evt", "run-1", now, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimEvent(ctx, "evt", "run-2", now.Add(time.Minute), now.Add(-14*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "fresh claim must not be taken over")

	later := now.Add(20 * time.Minute)
	ok, err = r.ClaimEvent(ctx, "evt", "run-3", later, later.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "stale claim is reclaimable")

	got, err := r.GetProcessedEvent(ctx, "evt")
	require.NoError(t, err)
	assert.Equal(t, "run-3", got.RunID)
	assert.Equal(t, domain.ProcessedInProgress, got.Status)

	require.NoError(t, r.MarkEventCompleted(ctx, "evt", "run-3", "task-9", later))
	much := later.Add(24 * time.Hour)
	ok, err = r.ClaimEvent(ctx, "evt", "run-4", much, much.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "completed events are never reclaimed")

	got, err = r.GetProcessedEvent(ctx, "evt")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessedCompleted, got.Status)
	assert.Equal(t, "task-9", got.TaskID)
}

func TestReleaseEventOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Now()
	_, err := r.ClaimEvent(ctx, "evt", "run-1", now, now.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, r.ReleaseEvent(ctx, "evt", "someone-else"))
	_, err = r.GetProcessedEvent(ctx, "evt")
	require.NoError(t, err)

	require.NoError(t, r.ReleaseEvent(ctx, "evt", "run-1"))
	_, err = r.GetProcessedEvent(ctx, "evt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptWebhookSecret(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := r.WebhookSecret(ctx, "proj")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := r.AcceptWebhookSecret(ctx, "proj", "first", now)
	require.NoError(t, err)
	assert.True(t, ok, "no secret stored yet")

	ok, err = r.AcceptWebhookSecret(ctx, "proj", "intruder", now)
	require.NoError(t, err)
	assert.False(t, ok)
	secret, err := r.WebhookSecret(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "first", secret)

	require.NoError(t, r.OpenWebhookHandshake(ctx, "proj", now, now.Add(time.Minute)))
	ok, err = r.AcceptWebhookSecret(ctx, "proj", "rotated", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.AcceptWebhookSecret(ctx, "proj", "again", now.Add(40*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "an open handshake is consumed once")

	require.NoError(t, r.OpenWebhookHandshake(ctx, "proj", now, now.Add(time.Minute)))
	ok, err = r.AcceptWebhookSecret(ctx, "proj", "late", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "expired handshake")
	require.NoError(t, r.CloseWebhookHandshake(ctx, "proj"))

	secret, err = r.WebhookSecret(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "rotated", secret)
}

func TestEventsQueries(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	for i, typ := range []string{"run.completed", "run.failed", "run.completed"} {
		_, err := r.InsertEvent(ctx, domain.Event{TS: Timestamp(time.Now()), Type: typ, EventID: "evt", RunID: string(rune('a' + i)), Payload: "{}"})
		require.NoError(t, err)
	}
	latest, err := r.LatestEvents(ctx, 10, EventFilter{Type: "run.completed"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "run.failed", after[0].Type)
	assert.Empty(t, after[0].TaskID)
}
