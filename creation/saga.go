// Package creation runs the multi-step task creation protocol: approve, create
// on the escrow, link an optional pre-funded reward and persist metadata,
// refunding the reward automatically when the link cannot be made.
package creation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskbridge/failure"
	"taskbridge/ledger"
	"taskbridge/metadata"
	"taskbridge/netstate"
	"taskbridge/observability"
	"taskbridge/retry"
)

const (
	// OpPersistMetadata is the retry queue operation type for deferred
	// metadata writes.
	OpPersistMetadata = "persist_task_metadata"

	// AssociationAttempts bounds reward association tries.
	AssociationAttempts = 3
	// RefundAttempts bounds compensating refund tries.
	RefundAttempts = 3

	defaultRetryStep        = 2 * time.Second
	defaultMetadataAttempts = 5

	// IDFromEvent and IDFromCounter describe how the task id was obtained.
	IDFromEvent   = "event"
	IDFromCounter = "counter"
)

// errRewardUnusable marks association prechecks that no retry can fix.
var errRewardUnusable = errors.New("reward not usable for this task")

// DefaultMaxReward is one million tokens at 18 decimals.
var DefaultMaxReward = new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Ledger is the escrow, token and vault surface the saga drives.
// *ledger.Client satisfies it.
type Ledger interface {
	EscrowAddress() common.Address
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(ctx context.Context, signer *ledger.Signer, amount *big.Int) (*gethtypes.Receipt, error)
	CreateTask(ctx context.Context, signer *ledger.Signer, params ledger.CreateTaskParams) (*gethtypes.Receipt, error)
	TaskCounter(ctx context.Context) (*big.Int, error)
	GetReward(ctx context.Context, rewardID *big.Int) (ledger.Reward, error)
	RewardForTask(ctx context.Context, taskID *big.Int) (*big.Int, error)
	AssociateTask(ctx context.Context, signer *ledger.Signer, rewardID, taskID *big.Int) (*gethtypes.Receipt, error)
	Refund(ctx context.Context, signer *ledger.Signer, rewardID *big.Int) (*gethtypes.Receipt, error)
}

// Network moves the wallet onto the chain a write needs. Every successful
// publish EnsureNetworkFor is paired with one ReleasePublish.
type Network interface {
	EnsureNetworkFor(ctx context.Context, action netstate.Action, asset *netstate.Asset) netstate.Result
	ShouldTolerateWalletNetwork(ctx context.Context) bool
	SystemChainID() uint64
	ReleasePublish()
}

// SignerSource hands out a signer bound to the wallet's current chain.
type SignerSource interface {
	Signer(ctx context.Context) (*ledger.Signer, error)
}

// MetadataWriter persists off-chain task metadata.
type MetadataWriter interface {
	Upsert(ctx context.Context, rec *metadata.TaskRecord) (bool, error)
}

// Queue defers work that must eventually succeed.
type Queue interface {
	RegisterExecutor(opType string, exec retry.Executor)
	AddOperation(opType string, payload any, maxAttempts int, onSuccess retry.SuccessFunc, onFailure retry.FailureFunc) (string, error)
}

// Config wires a Saga.
type Config struct {
	Ledger           Ledger
	Network          Network
	Signers          SignerSource
	Metadata         MetadataWriter
	Retry            Queue
	MaxReward        *big.Int
	PostingFee       *big.Int
	RetryStep        time.Duration
	MetadataAttempts int
	Logger           *slog.Logger
	Metrics          *observability.CreationMetrics
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
}

// Request describes a task to create.
type Request struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Contacts    string   `json:"contacts"`
	Category    string   `json:"category,omitempty"`
	URI         string   `json:"uri,omitempty"`
	Reward      *big.Int `json:"reward"`
	Deadline    uint64   `json:"deadline,omitempty"`
	// RewardID names a reward already deposited in the vault.
	RewardID *big.Int `json:"rewardId,omitempty"`
}

// Outcome reports what the saga achieved.
type Outcome struct {
	TaskID            *big.Int       `json:"taskId"`
	IDSource          string         `json:"idSource"`
	ChainID           uint64         `json:"chainId"`
	Creator           common.Address `json:"creator"`
	TxHash            common.Hash    `json:"txHash"`
	RewardID          *big.Int       `json:"rewardId,omitempty"`
	Associated        bool           `json:"associated"`
	MetadataPersisted bool           `json:"metadataPersisted"`
	MetadataRetryID   string         `json:"metadataRetryId,omitempty"`
}

// Saga orchestrates task creation.
type Saga struct {
	ledger           Ledger
	network          Network
	signers          SignerSource
	metadata         MetadataWriter
	retry            Queue
	maxReward        *big.Int
	postingFee       *big.Int
	retryStep        time.Duration
	metadataAttempts int
	logger           *slog.Logger
	metrics          *observability.CreationMetrics
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
	tracer           trace.Tracer
}

// New validates cfg and registers the deferred metadata executor on the queue.
func New(cfg Config) (*Saga, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("creation: ledger required")
	}
	if cfg.Network == nil {
		return nil, errors.New("creation: network state machine required")
	}
	if cfg.Signers == nil {
		return nil, errors.New("creation: signer source required")
	}
	if cfg.Metadata == nil {
		return nil, errors.New("creation: metadata writer required")
	}
	if cfg.Retry == nil {
		return nil, errors.New("creation: retry queue required")
	}
	maxReward := cfg.MaxReward
	if maxReward == nil || maxReward.Sign() <= 0 {
		maxReward = DefaultMaxReward
	}
	fee := cfg.PostingFee
	if fee == nil {
		fee = new(big.Int)
	}
	if !ledger.FitsUint256(maxReward) || !ledger.FitsUint256(fee) {
		return nil, errors.New("creation: reward ceiling and posting fee must fit uint256")
	}
	step := cfg.RetryStep
	if step <= 0 {
		step = defaultRetryStep
	}
	attempts := cfg.MetadataAttempts
	if attempts <= 0 {
		attempts = defaultMetadataAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	s := &Saga{
		ledger:           cfg.Ledger,
		network:          cfg.Network,
		signers:          cfg.Signers,
		metadata:         cfg.Metadata,
		retry:            cfg.Retry,
		maxReward:        new(big.Int).Set(maxReward),
		postingFee:       new(big.Int).Set(fee),
		retryStep:        step,
		metadataAttempts: attempts,
		logger:           logger,
		metrics:          cfg.Metrics,
		now:              now,
		sleep:            sleep,
		tracer:           otel.Tracer("taskbridge/creation"),
	}
	s.retry.RegisterExecutor(OpPersistMetadata, s.persistDeferred)
	return s, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Create runs every step in order. Once the escrow write succeeds the task is
// never rolled back; later failures either compensate or surface the ids
// needed for manual recovery.
func (s *Saga) Create(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "creation.create")
	defer span.End()
	started := s.now()

	total, err := s.validate(req)
	if err != nil {
		return nil, s.stepFailed("validate", err)
	}

	netResult := s.network.EnsureNetworkFor(ctx, netstate.ActionPublish, nil)
	if !netResult.OK {
		return nil, s.stepFailed("network", networkError(netResult))
	}
	defer s.network.ReleasePublish()
	if !s.network.ShouldTolerateWalletNetwork(ctx) {
		return nil, s.stepFailed("network", failure.Newf(failure.KindChainUnavailable, "creation.network",
			"wallet left chain %d before signing", s.network.SystemChainID()))
	}

	// Signers obtained before a switch are bound to the previous chain.
	signer, err := s.signers.Signer(ctx)
	if err != nil {
		return nil, s.stepFailed("signer", failure.New(failure.KindInternal, "creation.signer", err))
	}
	if signer.ChainID() != s.network.SystemChainID() {
		return nil, s.stepFailed("signer", failure.Newf(failure.KindInvalidState, "creation.signer",
			"signer bound to chain %d, expected %d", signer.ChainID(), s.network.SystemChainID()))
	}
	creator := signer.Address()

	if err := s.checkBalance(ctx, creator, total); err != nil {
		return nil, s.stepFailed("balance", err)
	}
	if err := s.authorize(ctx, signer, total); err != nil {
		return nil, s.stepFailed("authorize", err)
	}

	outcome, err := s.submit(ctx, signer, req)
	if err != nil {
		return nil, s.stepFailed("submit", err)
	}
	span.SetAttributes(attribute.String("task.id", outcome.TaskID.String()))

	if req.RewardID != nil {
		outcome.RewardID = new(big.Int).Set(req.RewardID)
		if err := s.associate(ctx, signer, req.RewardID, outcome.TaskID); err != nil {
			if failure.Is(err, failure.KindUserRejected) || errors.Is(err, errRewardUnusable) {
				return outcome, s.stepFailed("associate", err)
			}
			return outcome, s.stepFailed("compensate", s.compensate(ctx, signer, req.RewardID, outcome.TaskID, err))
		}
		outcome.Associated = true
	}

	s.persist(ctx, req, outcome)
	s.metrics.ObserveLatency(s.now().Sub(started))
	s.logger.Info("task created",
		slog.String("task_id", outcome.TaskID.String()),
		slog.Uint64("chain_id", outcome.ChainID),
		slog.String("id_source", outcome.IDSource),
		slog.Bool("associated", outcome.Associated),
		slog.Bool("metadata_persisted", outcome.MetadataPersisted))
	return outcome, nil
}

func (s *Saga) validate(req Request) (*big.Int, error) {
	var missing []string
	if strings.TrimSpace(req.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(req.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(req.Contacts) == "" {
		missing = append(missing, "contacts")
	}
	if len(missing) > 0 {
		return nil, failure.Newf(failure.KindValidation, "creation.validate", "missing %s", strings.Join(missing, ", "))
	}
	if req.Reward == nil || req.Reward.Sign() <= 0 {
		return nil, failure.Newf(failure.KindValidation, "creation.validate", "reward must be positive")
	}
	if req.Reward.Cmp(s.maxReward) > 0 {
		return nil, failure.Newf(failure.KindValidation, "creation.validate", "reward %s exceeds ceiling %s", req.Reward, s.maxReward)
	}
	if req.Deadline != 0 && int64(req.Deadline) <= s.now().Unix() {
		return nil, failure.Newf(failure.KindValidation, "creation.validate", "deadline must be in the future")
	}
	if req.RewardID != nil && req.RewardID.Sign() < 0 {
		return nil, failure.Newf(failure.KindValidation, "creation.validate", "reward id must not be negative")
	}
	total, err := ledger.AddAmounts(req.Reward, s.postingFee)
	if err != nil {
		return nil, failure.New(failure.KindValidation, "creation.validate", err)
	}
	return total, nil
}

func networkError(res netstate.Result) error {
	err := res.Err
	if err == nil {
		err = errors.New(res.Reason)
	}
	switch {
	case failure.KindOf(err) != failure.KindInternal:
		return err
	case errors.Is(err, netstate.ErrSwitchInProgress):
		return failure.New(failure.KindTransient, "creation.network", err)
	case errors.Is(err, netstate.ErrInvalidTransition):
		return failure.New(failure.KindInvalidState, "creation.network", err)
	default:
		return failure.New(failure.KindChainUnavailable, "creation.network", err)
	}
}

func (s *Saga) checkBalance(ctx context.Context, owner common.Address, total *big.Int) error {
	ctx, span := s.tracer.Start(ctx, "creation.balance")
	defer span.End()
	balance, err := s.ledger.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(total) < 0 {
		return failure.Newf(failure.KindInsufficientFunds, "creation.balance", "balance %s below required %s", balance, total)
	}
	return nil
}

func (s *Saga) authorize(ctx context.Context, signer *ledger.Signer, total *big.Int) error {
	ctx, span := s.tracer.Start(ctx, "creation.authorize")
	defer span.End()
	allowance, err := s.ledger.Allowance(ctx, signer.Address())
	if err != nil {
		return err
	}
	if allowance.Cmp(total) >= 0 {
		return nil
	}
	_, err = s.ledger.Approve(ctx, signer, total)
	return err
}

func (s *Saga) submit(ctx context.Context, signer *ledger.Signer, req Request) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "creation.submit")
	defer span.End()
	receipt, err := s.ledger.CreateTask(ctx, signer, ledger.CreateTaskParams{
		Reward:   req.Reward,
		URI:      req.URI,
		Deadline: req.Deadline,
	})
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		ChainID: signer.ChainID(),
		Creator: signer.Address(),
		TxHash:  receipt.TxHash,
	}
	if id, ok := ledger.ParseTaskCreated(receipt, s.ledger.EscrowAddress(), signer.Address()); ok {
		outcome.TaskID = id
		outcome.IDSource = IDFromEvent
		return outcome, nil
	}
	// No matching event: the counter is only trustworthy immediately after our
	// own confirmed write.
	counter, err := s.ledger.TaskCounter(ctx)
	if err != nil {
		return nil, failure.New(failure.KindManualRecovery, "creation.submit",
			fmt.Errorf("task created in tx %s but its id could not be read: %w", receipt.TxHash.Hex(), err))
	}
	s.logger.Warn("task created event missing, using counter",
		slog.String("tx", receipt.TxHash.Hex()),
		slog.String("task_id", counter.String()))
	outcome.TaskID = counter
	outcome.IDSource = IDFromCounter
	return outcome, nil
}

// associate links rewardID to taskID. User rejections and failed prechecks
// stop immediately; anything else is retried with a linear delay.
func (s *Saga) associate(ctx context.Context, signer *ledger.Signer, rewardID, taskID *big.Int) error {
	ctx, span := s.tracer.Start(ctx, "creation.associate")
	defer span.End()
	var lastErr error
	for attempt := 1; attempt <= AssociationAttempts; attempt++ {
		err := s.associateOnce(ctx, signer, rewardID, taskID, attempt > 1)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("reward association attempt failed",
			slog.String("task_id", taskID.String()),
			slog.String("reward_id", rewardID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if failure.Is(err, failure.KindUserRejected) || errors.Is(err, errRewardUnusable) {
			return err
		}
		if attempt < AssociationAttempts {
			if err := s.sleep(ctx, s.retryStep*time.Duration(attempt)); err != nil {
				return failure.New(failure.KindTransient, "creation.associate", err)
			}
		}
	}
	return fmt.Errorf("creation: association failed after %d attempts: %w", AssociationAttempts, lastErr)
}

// associateOnce makes one association attempt. On retries the existing link is
// read first: a previous attempt may have landed on chain even though its
// receipt wait failed, leaving the reward no longer Deposited.
func (s *Saga) associateOnce(ctx context.Context, signer *ledger.Signer, rewardID, taskID *big.Int, retrying bool) error {
	if retrying {
		linked, err := s.ledger.RewardForTask(ctx, taskID)
		if err != nil {
			return err
		}
		if linked != nil && linked.Cmp(rewardID) == 0 {
			s.logger.Info("reward already linked by an earlier attempt",
				slog.String("task_id", taskID.String()),
				slog.String("reward_id", rewardID.String()))
			return nil
		}
	}
	reward, err := s.ledger.GetReward(ctx, rewardID)
	if err != nil {
		return err
	}
	if reward.Creator != signer.Address() {
		return failure.New(failure.KindInvalidState, "creation.associate",
			fmt.Errorf("%w: reward %s belongs to %s", errRewardUnusable, rewardID, reward.Creator.Hex()))
	}
	if reward.Status != ledger.RewardDeposited {
		return failure.New(failure.KindInvalidState, "creation.associate",
			fmt.Errorf("%w: reward %s is %s, expected %s", errRewardUnusable, rewardID, reward.Status, ledger.RewardDeposited))
	}
	if _, err := s.ledger.AssociateTask(ctx, signer, rewardID, taskID); err != nil {
		return err
	}
	linked, err := s.ledger.RewardForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if linked == nil || linked.Cmp(rewardID) != 0 {
		return failure.Newf(failure.KindTransient, "creation.associate",
			"task %s reads back reward %v, expected %s", taskID, linked, rewardID)
	}
	return nil
}

// compensate refunds rewardID after association was exhausted. The returned
// error is always Compensated or ManualRecovery.
func (s *Saga) compensate(ctx context.Context, signer *ledger.Signer, rewardID, taskID *big.Int, cause error) error {
	ctx, span := s.tracer.Start(ctx, "creation.compensate")
	defer span.End()
	var lastErr error
	for attempt := 1; attempt <= RefundAttempts; attempt++ {
		err := s.refundOnce(ctx, signer, rewardID)
		if err == nil {
			s.metrics.RecordCompensation("refunded")
			s.logger.Warn("reward refunded after failed association",
				slog.String("task_id", taskID.String()),
				slog.String("reward_id", rewardID.String()),
				slog.Int("attempt", attempt))
			return &failure.Error{
				Kind:   failure.KindCompensated,
				Op:     "creation.compensate",
				Detail: fmt.Sprintf("reward %s was refunded; create the task again", rewardID),
				Ref:    rewardID.String(),
				Err:    cause,
			}
		}
		lastErr = err
		s.logger.Warn("reward refund attempt failed",
			slog.String("reward_id", rewardID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if failure.Is(err, failure.KindUserRejected) {
			break
		}
		if attempt < RefundAttempts {
			if err := s.sleep(ctx, s.retryStep*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}
	s.metrics.RecordCompensation("failed")
	s.logger.Error("reward refund failed, manual recovery required",
		slog.String("task_id", taskID.String()),
		slog.String("reward_id", rewardID.String()),
		slog.String("error", lastErr.Error()))
	return &failure.Error{
		Kind:   failure.KindManualRecovery,
		Op:     "creation.compensate",
		Detail: fmt.Sprintf("reward id %s: not linked to task %s and not refunded after %d attempts", rewardID, taskID, RefundAttempts),
		Ref:    rewardID.String(),
		Err:    errors.Join(cause, lastErr),
	}
}

func (s *Saga) refundOnce(ctx context.Context, signer *ledger.Signer, rewardID *big.Int) error {
	reward, err := s.ledger.GetReward(ctx, rewardID)
	if err != nil {
		return err
	}
	if reward.Status == ledger.RewardRefunded {
		return nil
	}
	if _, err := s.ledger.Refund(ctx, signer, rewardID); err != nil {
		return err
	}
	after, err := s.ledger.GetReward(ctx, rewardID)
	if err != nil {
		return err
	}
	if after.Status != ledger.RewardRefunded {
		return failure.Newf(failure.KindTransient, "creation.refund",
			"reward %s is %s after refund", rewardID, after.Status)
	}
	return nil
}

func (s *Saga) persist(ctx context.Context, req Request, outcome *Outcome) {
	ctx, span := s.tracer.Start(ctx, "creation.persist")
	defer span.End()
	rec := &metadata.TaskRecord{
		ChainID:        outcome.ChainID,
		TaskID:         outcome.TaskID.String(),
		Title:          strings.TrimSpace(req.Title),
		Description:    strings.TrimSpace(req.Description),
		Contacts:       req.Contacts,
		CreatorAddress: outcome.Creator.Hex(),
		Category:       strings.TrimSpace(req.Category),
	}
	_, err := s.metadata.Upsert(ctx, rec)
	if err == nil {
		outcome.MetadataPersisted = true
		return
	}
	s.metrics.RecordStepFailure("persist", string(failure.KindOf(err)))
	s.logger.Warn("metadata write failed, deferring to retry queue",
		slog.String("task_id", rec.TaskID),
		slog.String("error", err.Error()))

	id, err := s.retry.AddOperation(OpPersistMetadata, rec, s.metadataAttempts,
		func(op retry.Operation) {
			s.logger.Info("deferred metadata persisted",
				slog.String("task_id", rec.TaskID),
				slog.Int("attempt", op.Attempts))
		},
		func(op retry.Operation, err error) {
			s.logger.Error("deferred metadata write exhausted",
				slog.String("task_id", rec.TaskID),
				slog.Int("attempt", op.Attempts),
				slog.String("error", err.Error()))
		})
	if err != nil {
		s.logger.Error("metadata retry enqueue failed",
			slog.String("task_id", rec.TaskID),
			slog.String("error", err.Error()))
		return
	}
	outcome.MetadataRetryID = id
}

func (s *Saga) persistDeferred(ctx context.Context, payload any) error {
	rec, ok := payload.(*metadata.TaskRecord)
	if !ok {
		return fmt.Errorf("creation: unexpected metadata payload %T", payload)
	}
	copyRec := *rec
	_, err := s.metadata.Upsert(ctx, &copyRec)
	return err
}

func (s *Saga) stepFailed(step string, err error) error {
	kind := failure.KindOf(err)
	s.metrics.RecordStepFailure(step, string(kind))
	return err
}
