package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/logging"
	"repairline/internal/workflow"
)

type countingScanner struct {
	calls  atomic.Int32
	window atomic.Int64
	err    error
}

func (c *countingScanner) ScanRecent(_ context.Context, window time.Duration) (workflow.ScanSummary, error) {
	c.calls.Add(1)
	c.window.Store(int64(window))
	if c.err != nil {
		return workflow.ScanSummary{}, c.err
	}
	return workflow.ScanSummary{Window: window, Scanned: 3, Accepted: 1}, nil
}

func TestSchedulerRunsScan(t *testing.T) {
	scanner := &countingScanner{}
	s := New(scanner, time.Hour, logging.Discard())
	require.NoError(t, s.Start("@every 1s"))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return scanner.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(time.Hour), scanner.window.Load())
	require.Eventually(t, func() bool { _, ok := s.Last(); return ok }, time.Second, 10*time.Millisecond)
	last, _ := s.Last()
	assert.Equal(t, 3, last.Scanned)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(&countingScanner{}, time.Hour, logging.Discard())
	assert.Error(t, s.Start(""))
	assert.Error(t, s.Start("every now and then"))
}

func TestSchedulerKeepsLastOnFailure(t *testing.T) {
	scanner := &countingScanner{err: errors.New("asana down")}
	s := New(scanner, time.Hour, logging.Discard())
	s.runScan()
	assert.EqualValues(t, 1, scanner.calls.Load())
	_, ok := s.Last()
	assert.False(t, ok)
}
