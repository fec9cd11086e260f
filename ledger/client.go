package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"taskbridge/failure"
)

// EVMClient is the subset of the Ethereum RPC used by the ledger client.
// *ethclient.Client satisfies it.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Contracts names the deployed addresses on the system chain.
type Contracts struct {
	Escrow common.Address
	Token  common.Address
	Vault  common.Address
}

// Config wires a Client.
type Config struct {
	RPC            EVMClient
	ChainID        uint64
	Contracts      Contracts
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Client reads and writes the escrow, token and reward vault contracts.
type Client struct {
	rpc            EVMClient
	chainID        uint64
	contracts      Contracts
	pollInterval   time.Duration
	confirmTimeout time.Duration
}

const (
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 2 * time.Minute
)

// NewClient validates cfg and constructs a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPC == nil {
		return nil, errors.New("ledger: rpc client required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("ledger: chain id required")
	}
	if (cfg.Contracts.Escrow == common.Address{}) {
		return nil, errors.New("ledger: escrow address required")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	return &Client{
		rpc:            cfg.RPC,
		chainID:        cfg.ChainID,
		contracts:      cfg.Contracts,
		pollInterval:   poll,
		confirmTimeout: timeout,
	}, nil
}

// Dial connects to endpoint and checks that it serves chainID.
func Dial(ctx context.Context, endpoint string, chainID uint64) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("ledger: rpc endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, failure.New(failure.KindChainUnavailable, "ledger.dial", err)
	}
	if chainID == 0 {
		return rpc, nil
	}
	served, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, failure.New(Classify(err), "ledger.dial", fmt.Errorf("query chain id: %w", err))
	}
	if served.Uint64() != chainID {
		rpc.Close()
		return nil, fmt.Errorf("ledger: %s serves chain %d, expected %d", trimmed, served.Uint64(), chainID)
	}
	return rpc, nil
}

// ChainID returns the chain the client targets.
func (c *Client) ChainID() uint64 { return c.chainID }

// EscrowAddress returns the escrow contract address.
func (c *Client) EscrowAddress() common.Address { return c.contracts.Escrow }

type taskTuple struct {
	Id               *big.Int
	Creator          common.Address
	Helper           common.Address
	Reward           *big.Int
	Uri              string
	Status           uint8
	CreatedAt        uint64
	UpdatedAt        uint64
	Deadline         uint64
	Terminated       bool
	Fixed            bool
	PostingFee       *big.Int
	CrossChainAsset  common.Address
	CrossChainAmount *big.Int
}

// GetTask issues the single getTask view call.
func (c *Client) GetTask(ctx context.Context, taskID *big.Int) (TaskView, error) {
	var out taskTuple
	if err := c.call(ctx, escrowABI, c.contracts.Escrow, "getTask", &out, taskID); err != nil {
		return TaskView{}, err
	}
	return TaskView{
		ID:               out.Id,
		Creator:          out.Creator,
		Helper:           out.Helper,
		Reward:           out.Reward,
		URI:              out.Uri,
		Status:           TaskStatus(out.Status),
		CreatedAt:        out.CreatedAt,
		UpdatedAt:        out.UpdatedAt,
		Deadline:         out.Deadline,
		Terminated:       out.Terminated,
		Fixed:            out.Fixed,
		PostingFee:       out.PostingFee,
		CrossChainAsset:  out.CrossChainAsset,
		CrossChainAmount: out.CrossChainAmount,
	}, nil
}

// TaskCounter returns the id of the most recently created task.
func (c *Client) TaskCounter(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, escrowABI, c.contracts.Escrow, "taskCounter", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceOf returns the token balance of owner.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, tokenABI, c.contracts.Token, "balanceOf", &out, owner); err != nil {
		return nil, err
	}
	return out, nil
}

// Allowance returns how much the escrow may pull from owner.
func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, tokenABI, c.contracts.Token, "allowance", &out, owner, c.contracts.Escrow); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve authorises the escrow to transfer amount from the signer.
func (c *Client) Approve(ctx context.Context, signer *Signer, amount *big.Int) (*gethtypes.Receipt, error) {
	return c.transact(ctx, signer, tokenABI, c.contracts.Token, "approve", c.contracts.Escrow, amount)
}

// CreateTask submits the task-creation write and waits for its receipt.
func (c *Client) CreateTask(ctx context.Context, signer *Signer, params CreateTaskParams) (*gethtypes.Receipt, error) {
	return c.transact(ctx, signer, escrowABI, c.contracts.Escrow, "createTask", params.Reward, params.URI, params.Deadline)
}

type rewardTuple struct {
	Creator       common.Address
	TaskId        *big.Int
	Status        uint8
	Asset         common.Address
	Amount        *big.Int
	SourceChainId uint64
}

// GetReward reads a vault reward.
func (c *Client) GetReward(ctx context.Context, rewardID *big.Int) (Reward, error) {
	var out rewardTuple
	if err := c.call(ctx, vaultABI, c.contracts.Vault, "getReward", &out, rewardID); err != nil {
		return Reward{}, err
	}
	return Reward{
		ID:            cloneBig(rewardID),
		Creator:       out.Creator,
		TaskID:        out.TaskId,
		Status:        RewardStatus(out.Status),
		Asset:         out.Asset,
		Amount:        out.Amount,
		SourceChainID: out.SourceChainId,
	}, nil
}

// RewardForTask reads the reward associated with taskID. Zero means none.
func (c *Client) RewardForTask(ctx context.Context, taskID *big.Int) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, vaultABI, c.contracts.Vault, "rewardForTask", &out, taskID); err != nil {
		return nil, err
	}
	return out, nil
}

// AssociateTask links rewardID to taskID on the vault.
func (c *Client) AssociateTask(ctx context.Context, signer *Signer, rewardID, taskID *big.Int) (*gethtypes.Receipt, error) {
	return c.transact(ctx, signer, vaultABI, c.contracts.Vault, "associateTask", rewardID, taskID)
}

// Refund returns a deposited reward to its creator.
func (c *Client) Refund(ctx context.Context, signer *Signer, rewardID *big.Int) (*gethtypes.Receipt, error) {
	return c.transact(ctx, signer, vaultABI, c.contracts.Vault, "refund", rewardID)
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, out any, args ...any) error {
	op := "ledger." + method
	data, err := contract.Pack(method, args...)
	if err != nil {
		return failure.New(failure.KindValidation, op, err)
	}
	target := to
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return classify(op, err)
	}
	if len(raw) == 0 {
		return failure.Newf(failure.KindChainUnavailable, op, "empty response from %s", to.Hex())
	}
	if err := contract.UnpackIntoInterface(out, method, raw); err != nil {
		return failure.New(failure.KindInternal, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func (c *Client) transact(ctx context.Context, signer *Signer, contract abi.ABI, to common.Address, method string, args ...any) (*gethtypes.Receipt, error) {
	op := "ledger." + method
	if signer == nil {
		return nil, failure.Newf(failure.KindValidation, op, "signer required")
	}
	if signer.ChainID() != c.chainID {
		return nil, failure.Newf(failure.KindInvalidState, op, "signer bound to chain %d, ledger is chain %d", signer.ChainID(), c.chainID)
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, failure.New(failure.KindValidation, op, err)
	}
	from := signer.Address()
	target := to
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(op, err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Data: data})
	if err != nil {
		return nil, classify(op, err)
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(c.chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &target,
		Data:      data,
	})
	signed, err := signer.SignTx(tx)
	if err != nil {
		return nil, failure.New(failure.KindInternal, op, fmt.Errorf("sign: %w", err))
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, classify(op, err)
	}
	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, classify(op, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, failure.Newf(failure.KindInvalidState, op, "transaction %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
