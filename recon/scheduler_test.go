package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC), s.nextRun(before))
	at := time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 11, 2, 30, 0, 0, time.UTC), s.nextRun(at))
}

func TestSchedulerClampsTime(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 30, RunMinute: -4})
	require.Equal(t, 23, s.runHour)
	require.Equal(t, 0, s.runMinute)
}

func TestSchedulerRunOnceCleansUp(t *testing.T) {
	store := newMemoryStore("1", "2")
	scanner := newTestScanner(t, store, &chainMap{exists: map[string]bool{"2": true}}, nil)
	s := NewScheduler(SchedulerConfig{Scanner: scanner, Cleanup: true})
	report := s.RunOnce(context.Background())
	require.NotNil(t, report)
	require.Equal(t, 1, report.Scan.OrphanCount)
	require.Contains(t, store.marked, "1")
}

func TestSchedulerRunOnceSwallowsErrors(t *testing.T) {
	store := newMemoryStore()
	store.listErr = context.DeadlineExceeded
	scanner := newTestScanner(t, store, &chainMap{}, nil)
	s := NewScheduler(SchedulerConfig{Scanner: scanner})
	require.Nil(t, s.RunOnce(context.Background()))
}

func TestSchedulerStartStopsOnCancel(t *testing.T) {
	scanner := newTestScanner(t, newMemoryStore(), &chainMap{}, nil)
	s := NewScheduler(SchedulerConfig{Scanner: scanner})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
