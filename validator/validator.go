// Package validator treats the ledger as the only source of truth for task
// existence and ownership. Every answer comes from a fresh bounded read; any
// failure to obtain one is reported as non-existence.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"taskbridge/failure"
	"taskbridge/ledger"
	"taskbridge/observability"
)

// DefaultTimeout bounds a single ledger read.
const DefaultTimeout = 3 * time.Second

// ErrTaskNotFound is wrapped into results for tasks the ledger does not hold.
var ErrTaskNotFound = errors.New("validator: task not found on ledger")

// TaskReader is the read contract the validator needs from the ledger.
type TaskReader interface {
	GetTask(ctx context.Context, taskID *big.Int) (ledger.TaskView, error)
}

// Config wires a Validator.
type Config struct {
	Reader  TaskReader
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.ValidatorMetrics
	Now     func() time.Time
}

// Validator answers existence and authorization questions against the ledger.
type Validator struct {
	reader  TaskReader
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.ValidatorMetrics
	now     func() time.Time
}

// Result is the outcome of an existence check. When Exists is false Err
// explains why; callers must not distinguish "absent" from "unreachable" when
// deciding whether to trust off-chain data.
type Result struct {
	TaskID  string
	Exists  bool
	Creator string
	Status  ledger.TaskStatus
	Reward  *big.Int
	URI     string
	Err     error
}

// Unreachable reports whether the negative answer came from a failed read
// rather than a confirmed absence.
func (r Result) Unreachable() bool {
	return !r.Exists && r.Err != nil && !errors.Is(r.Err, ErrTaskNotFound) && !failure.Is(r.Err, failure.KindValidation)
}

// New constructs a validator.
func New(cfg Config) (*Validator, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("validator: task reader required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		reader:  cfg.Reader,
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

// ValidateTaskExists issues one bounded read for taskID. It never retries.
func (v *Validator) ValidateTaskExists(ctx context.Context, taskID string) Result {
	result := Result{TaskID: strings.TrimSpace(taskID)}
	id, err := ledger.ParseTaskID(taskID)
	if err != nil {
		result.Err = failure.New(failure.KindValidation, "validator.task_exists", err)
		v.metrics.Observe("invalid", 0)
		return result
	}

	start := v.now()
	readCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	view, err := v.reader.GetTask(readCtx, id)
	elapsed := v.now().Sub(start)

	if err != nil {
		kind := failure.KindOf(err)
		if kind == failure.KindInternal || kind == failure.KindTransient {
			kind = failure.KindChainUnavailable
		}
		result.Err = failure.New(kind, "validator.task_exists", fmt.Errorf("ledger read for task %s failed: %w", result.TaskID, err))
		v.metrics.Observe("unavailable", elapsed)
		v.logger.Warn("ledger task lookup failed",
			slog.String("task_id", result.TaskID),
			slog.String("error", err.Error()))
		return result
	}
	if !view.Exists() {
		result.Err = failure.New(failure.KindNotFound, "validator.task_exists", fmt.Errorf("%w: %s", ErrTaskNotFound, result.TaskID))
		v.metrics.Observe("absent", elapsed)
		return result
	}

	result.Exists = true
	result.Creator = view.Creator.Hex()
	result.Status = view.Status
	result.Reward = view.Reward
	result.URI = view.URI
	v.metrics.Observe("exists", elapsed)
	return result
}

// ValidateCreatorAuthorization reports whether address created taskID. Any
// upstream failure denies.
func (v *Validator) ValidateCreatorAuthorization(ctx context.Context, taskID, address string) bool {
	candidate := strings.TrimSpace(address)
	if candidate == "" {
		return false
	}
	return v.ValidateTaskExists(ctx, taskID).CreatedBy(candidate)
}

// CreatedBy reports whether the confirmed task was created by address.
// Absent or unreadable tasks match nobody.
func (r Result) CreatedBy(address string) bool {
	candidate := strings.TrimSpace(address)
	if !r.Exists || candidate == "" {
		return false
	}
	return strings.EqualFold(r.Creator, candidate)
}
