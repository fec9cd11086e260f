package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(clock *fakeClock, opts ...Option) *Queue {
	base := []Option{WithClock(clock.Now), WithJitter(func(time.Duration) time.Duration { return 0 })}
	return NewQueue(append(base, opts...)...)
}

// drain ticks and advances the clock to each scheduled retry until the queue is
// empty or rounds are used up.
func drain(t *testing.T, q *Queue, clock *fakeClock, rounds int) {
	t.Helper()
	for i := 0; i < rounds && len(q.Pending()) > 0; i++ {
		q.Tick(context.Background())
		for _, op := range q.Pending() {
			if wait := op.NextRetryAt.Sub(clock.Now()); wait > 0 {
				clock.Advance(wait)
			}
		}
	}
}

func TestAlwaysFailingOperationRunsExactlyMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	executions := 0
	q.RegisterExecutor("persist", func(context.Context, any) error {
		executions++
		return errors.New("store offline")
	})

	failures := 0
	var lastErr error
	id, err := q.AddOperation("persist", "payload", 3, func(Operation) {
		t.Fatalf("unexpected success")
	}, func(op Operation, err error) {
		failures++
		lastErr = err
		require.Equal(t, 3, op.Attempts)
	})
	require.NoError(t, err)

	drain(t, q, clock, 10)

	require.Equal(t, 3, executions)
	require.Equal(t, 1, failures)
	require.EqualError(t, lastErr, "store offline")
	_, ok := q.Status(id)
	require.False(t, ok)
	require.False(t, q.RetryOperation(id))

	stats := q.Stats()
	require.Equal(t, uint64(1), stats.Exhausted)
	require.Equal(t, uint64(3), stats.Failed)
	require.Zero(t, stats.Pending)
}

func TestSuccessRemovesOperation(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	calls := 0
	q.RegisterExecutor("persist", func(_ context.Context, payload any) error {
		calls++
		require.Equal(t, "hello", payload)
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	succeeded := 0
	id, err := q.AddOperation("persist", "hello", 5, func(op Operation) {
		succeeded++
		require.Equal(t, 2, op.Attempts)
	}, nil)
	require.NoError(t, err)

	drain(t, q, clock, 10)
	require.Equal(t, 1, succeeded)
	_, ok := q.Status(id)
	require.False(t, ok)
	require.Equal(t, uint64(1), q.Stats().Succeeded)
}

func TestBackoffStrictlyIncreasesAndIsCapped(t *testing.T) {
	clock := newFakeClock()
	jitters := []time.Duration{400 * time.Millisecond, 0, 450 * time.Millisecond, 0, 100 * time.Millisecond, 0, 0, 0}
	index := 0
	q := newTestQueue(clock,
		WithBaseDelay(time.Second),
		WithMaxDelay(10*time.Second),
		WithJitter(func(bound time.Duration) time.Duration {
			require.Equal(t, 500*time.Millisecond, bound)
			j := jitters[index%len(jitters)]
			index++
			return j
		}),
	)
	q.RegisterExecutor("persist", func(context.Context, any) error { return errors.New("down") })
	id, err := q.AddOperation("persist", nil, 9, nil, nil)
	require.NoError(t, err)

	var previous time.Duration
	for attempt := 1; attempt < 9; attempt++ {
		require.Equal(t, 1, q.Tick(context.Background()))
		op, ok := q.Status(id)
		require.True(t, ok)
		delay := op.NextRetryAt.Sub(clock.Now())
		require.LessOrEqual(t, delay, q.Ceiling())
		if delay < q.Ceiling() {
			require.Greater(t, delay, previous, "attempt %d", attempt)
		}
		previous = delay
		clock.Advance(delay)
	}
	require.Greater(t, previous, 10*time.Second)
}

func TestTickRespectsNextRetryAtOrder(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	var order []string
	q.RegisterExecutor("record", func(_ context.Context, payload any) error {
		order = append(order, payload.(string))
		return nil
	})
	_, err := q.AddOperation("record", "first", 1, nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.AddOperation("record", "second", 1, nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.AddOperation("record", "third", 1, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 3, q.Tick(context.Background()))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestNotReadyOperationsWait(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	q.RegisterExecutor("persist", func(context.Context, any) error { return errors.New("down") })
	id, err := q.AddOperation("persist", nil, 3, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, q.Tick(context.Background()))
	require.Zero(t, q.Tick(context.Background()))

	require.True(t, q.RetryOperation(id))
	require.Equal(t, 1, q.Tick(context.Background()))
	op, ok := q.Status(id)
	require.True(t, ok)
	require.Equal(t, 2, op.Attempts)
	require.Equal(t, "down", op.LastError)
}

func TestAddOperationRequiresExecutor(t *testing.T) {
	q := NewQueue()
	_, err := q.AddOperation("unknown", nil, 1, nil, nil)
	require.ErrorIs(t, err, ErrExecutorMissing)
	require.False(t, q.RetryOperation("missing"))
}

func TestConcurrentEnqueueWhileTicking(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	var mu sync.Mutex
	seen := 0
	q.RegisterExecutor("persist", func(context.Context, any) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.AddOperation("persist", nil, 1, nil, nil)
		}()
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				q.Tick(context.Background())
			}
		}
	}()
	wg.Wait()
	close(done)
	<-stopped
	q.Tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, seen)
	require.Equal(t, uint64(50), q.Stats().Enqueued)
}

func TestRunRejectsSecondScheduler(t *testing.T) {
	q := NewQueue(WithTickInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()
	require.Eventually(t, q.Running, time.Second, time.Millisecond)
	require.ErrorIs(t, q.Run(ctx), ErrAlreadyRunning)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.False(t, q.Running())
}
