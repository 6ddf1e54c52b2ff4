package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBareScheduler builds a scheduler whose job is replaced, so no store or
// network collaborators are needed.
func newBareScheduler(interval time.Duration) *Scheduler {
	return New(nil, nil, nil, nil, nil, interval, 1000, slog.Default())
}

func TestNonOverlappingTicks(t *testing.T) {
	t.Parallel()

	s := newBareScheduler(30 * time.Millisecond)
	release := make(chan struct{})
	var runs atomic.Int64
	s.job = func(context.Context) SyncResult {
		runs.Add(1)
		<-release
		return SyncResult{TradesInserted: 1}
	}

	s.Start()
	defer s.Stop()

	// Many ticks elapse while the first sync is stuck; all must be skipped.
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "overlapping ticks are skipped, not queued")
	assert.Equal(t, int64(1), s.Status().SyncCount)
	assert.True(t, s.Status().IsSyncing)

	// Release the sync; the next tick runs again.
	close(release)
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	st := s.Status()
	require.NotNil(t, st.LastSyncResult)
	assert.Equal(t, 1, st.LastSyncResult.TradesInserted)
}

func TestTriggerNowRespectsGuard(t *testing.T) {
	t.Parallel()

	s := newBareScheduler(time.Hour)
	release := make(chan struct{})
	s.job = func(context.Context) SyncResult {
		<-release
		return SyncResult{}
	}

	assert.True(t, s.TriggerNow())
	assert.False(t, s.TriggerNow(), "second trigger while syncing is refused")
	close(release)

	require.Eventually(t, func() bool { return !s.Status().IsSyncing }, time.Second, 5*time.Millisecond)
	assert.True(t, s.TriggerNow())
	require.Eventually(t, func() bool { return s.Status().SyncCount == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopSuppressesTicksButFinishesInflight(t *testing.T) {
	t.Parallel()

	s := newBareScheduler(20 * time.Millisecond)
	started := make(chan struct{}, 16)
	finished := make(chan struct{}, 16)
	s.job = func(context.Context) SyncResult {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		finished <- struct{}{}
		return SyncResult{}
	}

	s.Start()
	<-started
	s.Stop() // waits for the loop; the in-flight sync still completes

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("in-flight sync was cut off by Stop")
	}

	count := s.Status().SyncCount
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, s.Status().SyncCount, "no ticks after Stop")
	assert.False(t, s.Status().Running)
}

func TestStatusSnapshotStable(t *testing.T) {
	t.Parallel()

	s := newBareScheduler(10 * time.Millisecond)
	var n atomic.Int64
	s.job = func(context.Context) SyncResult {
		return SyncResult{TradesInserted: int(n.Add(1))}
	}
	s.Start()
	defer s.Stop()

	// Concurrent status reads must always see a consistent snapshot.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.LastSyncResult != nil {
			assert.Greater(t, st.LastSyncResult.TradesInserted, 0)
		}
	}
	assert.GreaterOrEqual(t, s.Status().SyncCount, int64(1))
}
