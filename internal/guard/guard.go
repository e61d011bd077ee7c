// Package guard remembers which submissions already produced a task so that
// redelivered events are skipped.
package guard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"repairline/internal/domain"
	"repairline/internal/repo"
)

// DefaultClaimTTL is how long an unfinished claim blocks other runs before
// it is treated as abandoned.
const DefaultClaimTTL = 15 * time.Minute

// SQL is the durable guard backed by the processed_events table.
type SQL struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time
}

func NewSQL(r repo.Repo, ttl time.Duration) *SQL {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &SQL{Repo: r, TTL: ttl, Now: time.Now}
}

func (g *SQL) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Claim reports whether runID now owns eventID.
func (g *SQL) Claim(ctx context.Context, eventID, runID string) (bool, error) {
	now := g.now()
	return g.Repo.ClaimEvent(ctx, eventID, runID, now, now.Add(-g.TTL))
}

// Seen reports whether eventID completed or is claimed by a live run.
func (g *SQL) Seen(ctx context.Context, eventID string) (bool, error) {
	e, err := g.Repo.GetProcessedEvent(ctx, eventID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return seen(e, g.now(), g.TTL), nil
}

func (g *SQL) Mark(ctx context.Context, eventID, runID, taskID string) error {
	return g.Repo.MarkEventCompleted(ctx, eventID, runID, taskID, g.now())
}

func (g *SQL) Release(ctx context.Context, eventID, runID string) error {
	return g.Repo.ReleaseEvent(ctx, eventID, runID)
}

func (g *SQL) List(ctx context.Context, limit int) ([]domain.ProcessedEvent, error) {
	return g.Repo.ListProcessedEvents(ctx, limit)
}

func seen(e domain.ProcessedEvent, now time.Time, ttl time.Duration) bool {
	if e.Status == domain.ProcessedCompleted {
		return true
	}
	claimed, err := time.Parse(repo.TimeLayout, e.ClaimedAt)
	if err != nil {
		return true
	}
	return now.Sub(claimed) < ttl
}

// Memory is a process-local guard with the same semantics as SQL.
type Memory struct {
	mu   sync.Mutex
	rows map[string]domain.ProcessedEvent
	TTL  time.Duration
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[string]domain.ProcessedEvent{}, TTL: DefaultClaimTTL, Now: time.Now}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) Claim(_ context.Context, eventID, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.rows[eventID]; ok && seen(e, now, m.TTL) {
		return false, nil
	}
	ts := repo.Timestamp(now)
	m.rows[eventID] = domain.ProcessedEvent{EventID: eventID, Status: domain.ProcessedInProgress, RunID: runID, ClaimedAt: ts, UpdatedAt: ts}
	return true, nil
}

func (m *Memory) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[eventID]
	return ok && seen(e, m.now(), m.TTL), nil
}

func (m *Memory) Mark(_ context.Context, eventID, runID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := repo.Timestamp(m.now())
	e, ok := m.rows[eventID]
	if !ok {
		e = domain.ProcessedEvent{EventID: eventID, ClaimedAt: ts}
	}
	e.Status, e.RunID, e.TaskID, e.UpdatedAt = domain.ProcessedCompleted, runID, taskID, ts
	m.rows[eventID] = e
	return nil
}

func (m *Memory) Release(_ context.Context, eventID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[eventID]; ok && e.RunID == runID && e.Status == domain.ProcessedInProgress {
		delete(m.rows, eventID)
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]domain.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.ProcessedEvent, 0, len(m.rows))
	for _, e := range m.rows {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt != res[j].UpdatedAt {
			return res[i].UpdatedAt > res[j].UpdatedAt
		}
		return res[i].EventID < res[j].EventID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
