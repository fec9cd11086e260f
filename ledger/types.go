package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TaskStatus mirrors the escrow contract's task lifecycle enum.
type TaskStatus uint8

const (
	TaskOpen TaskStatus = iota
	TaskAssigned
	TaskSubmitted
	TaskCompleted
	TaskCancelled
	TaskDisputed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskOpen:
		return "open"
	case TaskAssigned:
		return "assigned"
	case TaskSubmitted:
		return "submitted"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// RewardStatus mirrors the reward vault lifecycle.
type RewardStatus uint8

const (
	RewardPrepared RewardStatus = iota
	RewardDeposited
	RewardLocked
	RewardClaimed
	RewardRefunded
	RewardReverted
)

func (s RewardStatus) String() string {
	switch s {
	case RewardPrepared:
		return "Prepared"
	case RewardDeposited:
		return "Deposited"
	case RewardLocked:
		return "Locked"
	case RewardClaimed:
		return "Claimed"
	case RewardRefunded:
		return "Refunded"
	case RewardReverted:
		return "Reverted"
	default:
		return fmt.Sprintf("RewardStatus(%d)", uint8(s))
	}
}

// TaskView is the projection returned by the escrow's getTask view. It is never
// cached; every read goes to the ledger.
type TaskView struct {
	ID               *big.Int
	Creator          common.Address
	Helper           common.Address
	Reward           *big.Int
	URI              string
	Status           TaskStatus
	CreatedAt        uint64
	UpdatedAt        uint64
	Deadline         uint64
	Terminated       bool
	Fixed            bool
	PostingFee       *big.Int
	CrossChainAsset  common.Address
	CrossChainAmount *big.Int
}

// Exists reports whether the ledger holds the task. Unset slots come back with a
// zero creator.
func (v TaskView) Exists() bool {
	return v.Creator != (common.Address{})
}

// Reward is the vault projection of a pre-funded cross-chain reward.
type Reward struct {
	ID            *big.Int
	Creator       common.Address
	TaskID        *big.Int
	Status        RewardStatus
	Asset         common.Address
	Amount        *big.Int
	SourceChainID uint64
}

// CreateTaskParams carries the createTask call arguments.
type CreateTaskParams struct {
	Reward   *big.Int
	URI      string
	Deadline uint64
}

// ParseTaskID converts a decimal task id into a big integer.
func ParseTaskID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: task id required")
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("ledger: invalid task id %q", raw)
	}
	return id, nil
}

// ParseAddress validates and decodes a hex address. Case is ignored.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("ledger: invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func cloneBig(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
