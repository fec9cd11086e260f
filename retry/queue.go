// Package retry holds operations that must eventually succeed after an
// irreversible step, replaying them with exponential backoff from a single
// scheduler loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskbridge/observability"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 5 * time.Minute
	defaultTickInterval = time.Second
	defaultMaxAttempts  = 5
	maxBackoffShift     = 30
)

var (
	// ErrExecutorMissing is returned when an operation type has no executor.
	ErrExecutorMissing = errors.New("retry: no executor registered for operation type")
	// ErrAlreadyRunning is returned when Run is invoked twice concurrently.
	ErrAlreadyRunning = errors.New("retry: scheduler already running")
)

// Executor performs one attempt of an operation.
type Executor func(ctx context.Context, payload any) error

// SuccessFunc is invoked once when an operation completes.
type SuccessFunc func(op Operation)

// FailureFunc is invoked once when an operation exhausts its attempts.
type FailureFunc func(op Operation, err error)

// Operation is a point-in-time view of a queued operation.
type Operation struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     any       `json:"-"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Stats aggregates queue activity since construction.
type Stats struct {
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failedAttempts"`
	Exhausted uint64 `json:"exhausted"`
}

type entry struct {
	op        Operation
	seq       uint64
	lastDelay time.Duration
	inFlight  bool
	onSuccess SuccessFunc
	onFailure FailureFunc
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock overrides the queue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithJitter overrides the jitter source. The function receives the exclusive
// upper bound and must return a value in [0, bound).
func WithJitter(jitter func(bound time.Duration) time.Duration) Option {
	return func(q *Queue) {
		if jitter != nil {
			q.jitter = jitter
		}
	}
}

// WithBaseDelay sets the first backoff step.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithMaxDelay caps the exponential component of the backoff.
func WithMaxDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxDelay = d
		}
	}
}

// WithTickInterval sets how often Run polls for ready operations.
func WithTickInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tick = d
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics publishes queue activity to Prometheus.
func WithMetrics(m *observability.RetryQueueMetrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// Queue owns live operations only. Completed and exhausted operations are
// dropped immediately and survive solely in the aggregate Stats.
type Queue struct {
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	tick      time.Duration
	logger    *slog.Logger
	metrics   *observability.RetryQueueMetrics
	running   atomic.Bool

	mu        sync.Mutex
	executors map[string]Executor
	ops       map[string]*entry
	seq       uint64
	stats     Stats
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		now:       time.Now,
		jitter:    defaultJitter,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		tick:      defaultTickInterval,
		logger:    slog.Default(),
		executors: make(map[string]Executor),
		ops:       make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func defaultJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(bound)))
}

// RegisterExecutor binds an executor to an operation type, replacing any
// previous binding.
func (q *Queue) RegisterExecutor(opType string, exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if exec == nil {
		delete(q.executors, opType)
		return
	}
	q.executors[opType] = exec
}

// AddOperation enqueues an operation that is ready immediately. maxAttempts
// below one selects the default.
func (q *Queue) AddOperation(opType string, payload any, maxAttempts int, onSuccess SuccessFunc, onFailure FailureFunc) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := q.now()

	q.mu.Lock()
	if _, ok := q.executors[opType]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrExecutorMissing, opType)
	}
	q.seq++
	id := uuid.NewString()
	q.ops[id] = &entry{
		op: Operation{
			ID:          id,
			Type:        opType,
			Payload:     payload,
			MaxAttempts: maxAttempts,
			NextRetryAt: now,
			CreatedAt:   now,
		},
		seq:       q.seq,
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
	q.stats.Enqueued++
	pending := len(q.ops)
	q.mu.Unlock()

	q.metrics.Record(opType, "enqueued")
	q.metrics.SetPending(pending)
	return id, nil
}

// Tick executes every ready operation once, in NextRetryAt order, and returns
// the number executed.
func (q *Queue) Tick(ctx context.Context) int {
	ready := q.claimReady()
	for i, e := range ready {
		if ctx.Err() != nil {
			q.release(ready[i:])
			return i
		}
		q.execute(ctx, e)
	}
	return len(ready)
}

func (q *Queue) claimReady() []*entry {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := make([]*entry, 0)
	for _, e := range q.ops {
		if e.inFlight || e.op.Attempts >= e.op.MaxAttempts || e.op.NextRetryAt.After(now) {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].op.NextRetryAt.Equal(ready[j].op.NextRetryAt) {
			return ready[i].op.NextRetryAt.Before(ready[j].op.NextRetryAt)
		}
		return ready[i].seq < ready[j].seq
	})
	for _, e := range ready {
		e.inFlight = true
	}
	return ready
}

func (q *Queue) release(entries []*entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		e.inFlight = false
	}
}

func (q *Queue) execute(ctx context.Context, e *entry) {
	q.mu.Lock()
	exec := q.executors[e.op.Type]
	payload := e.op.Payload
	q.mu.Unlock()

	var err error
	if exec == nil {
		err = fmt.Errorf("%w: %s", ErrExecutorMissing, e.op.Type)
	} else {
		err = exec(ctx, payload)
	}

	q.mu.Lock()
	e.inFlight = false
	e.op.Attempts++
	if err == nil {
		delete(q.ops, e.op.ID)
		q.stats.Succeeded++
		snapshot := e.op
		pending := len(q.ops)
		q.mu.Unlock()

		q.metrics.Record(snapshot.Type, "succeeded")
		q.metrics.SetPending(pending)
		q.logger.Info("retry operation succeeded",
			slog.String("operation", snapshot.Type),
			slog.String("id", snapshot.ID),
			slog.Int("attempt", snapshot.Attempts))
		if e.onSuccess != nil {
			e.onSuccess(snapshot)
		}
		return
	}

	e.op.LastError = err.Error()
	q.stats.Failed++
	if e.op.Attempts >= e.op.MaxAttempts {
		delete(q.ops, e.op.ID)
		q.stats.Exhausted++
		snapshot := e.op
		pending := len(q.ops)
		q.mu.Unlock()

		q.metrics.Record(snapshot.Type, "exhausted")
		q.metrics.SetPending(pending)
		q.logger.Error("retry operation exhausted",
			slog.String("operation", snapshot.Type),
			slog.String("id", snapshot.ID),
			slog.Int("attempt", snapshot.Attempts),
			slog.String("error", snapshot.LastError))
		if e.onFailure != nil {
			e.onFailure(snapshot, err)
		}
		return
	}

	delay := q.nextDelay(e.op.Attempts, e.lastDelay)
	e.lastDelay = delay
	e.op.NextRetryAt = q.now().Add(delay)
	snapshot := e.op
	q.mu.Unlock()

	q.metrics.Record(snapshot.Type, "retried")
	q.logger.Warn("retry operation failed",
		slog.String("operation", snapshot.Type),
		slog.String("id", snapshot.ID),
		slog.Int("attempt", snapshot.Attempts),
		slog.Duration("next_delay", delay),
		slog.String("error", snapshot.LastError))
}

// nextDelay computes min(base*2^attempts, max) + jitter, forced strictly above
// the previous delay and capped at max + base/2.
func (q *Queue) nextDelay(attempts int, previous time.Duration) time.Duration {
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	backoff := q.baseDelay << uint(shift)
	if backoff <= 0 || backoff > q.maxDelay {
		backoff = q.maxDelay
	}
	jitterBound := q.baseDelay / 2
	delay := backoff
	if jitterBound > 0 {
		j := q.jitter(jitterBound)
		if j < 0 {
			j = 0
		}
		if j >= jitterBound {
			j = jitterBound - 1
		}
		delay += j
	}
	if delay <= previous {
		delay = previous + time.Millisecond
	}
	if ceiling := q.Ceiling(); delay > ceiling {
		delay = ceiling
	}
	return delay
}

// Ceiling is the largest delay the queue will ever schedule.
func (q *Queue) Ceiling() time.Duration {
	return q.maxDelay + q.baseDelay/2
}

// RetryOperation makes id ready immediately. It reports false for unknown ids
// and for operations whose attempts are exhausted.
func (q *Queue) RetryOperation(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.ops[id]
	if !ok || e.op.Attempts >= e.op.MaxAttempts {
		return false
	}
	e.op.NextRetryAt = q.now()
	return true
}

// Status returns the live operation with id.
func (q *Queue) Status(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.ops[id]
	if !ok {
		return Operation{}, false
	}
	return e.op, true
}

// Pending lists live operations ordered by NextRetryAt.
func (q *Queue) Pending() []Operation {
	type snapshot struct {
		op  Operation
		seq uint64
	}
	q.mu.Lock()
	snaps := make([]snapshot, 0, len(q.ops))
	for _, e := range q.ops {
		snaps = append(snaps, snapshot{op: e.op, seq: e.seq})
	}
	q.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].op.NextRetryAt.Equal(snaps[j].op.NextRetryAt) {
			return snaps[i].op.NextRetryAt.Before(snaps[j].op.NextRetryAt)
		}
		return snaps[i].seq < snaps[j].seq
	})
	out := make([]Operation, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.op)
	}
	return out
}

// Stats returns the aggregate counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Pending = len(q.ops)
	return stats
}

// Running reports whether Run is active.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Run ticks the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.running.Store(false)

	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}
