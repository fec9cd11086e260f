package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"taskbridge/failure"
)

type fakeRPC struct {
	mu        sync.Mutex
	responses map[string][]byte
	callErr   error
	sendErr   error
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	status    uint64
	logs      []*gethtypes.Log
	misses    int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		responses: make(map[string][]byte),
		receipts:  make(map[common.Hash]*gethtypes.Receipt),
		status:    gethtypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeRPC) respond(t *testing.T, contractMethod string, parsed interface {
	Pack(args ...interface{}) ([]byte, error)
}, selector []byte, values ...interface{}) {
	t.Helper()
	out, err := parsed.Pack(values...)
	require.NoError(t, err, contractMethod)
	f.responses[hex.EncodeToString(selector)] = out
}

func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.responses[hex.EncodeToString(msg.Data[:4])], nil
}

func (f *fakeRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeRPC) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeRPC) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(10), BaseFee: big.NewInt(7)}, nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: f.status, TxHash: tx.Hash(), Logs: f.logs}
	return nil
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses > 0 {
		f.misses--
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func newTestClient(t *testing.T, rpc EVMClient) *Client {
	t.Helper()
	client, err := NewClient(Config{
		RPC:            rpc,
		ChainID:        7001,
		Contracts:      Contracts{Escrow: escrowAddr, Token: tokenAddr, Vault: vaultAddr},
		PollInterval:   time.Millisecond,
		ConfirmTimeout: time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestGetTaskDecodesTuple(t *testing.T) {
	rpc := newFakeRPC()
	creator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	method := escrowABI.Methods["getTask"]
	rpc.respond(t, "getTask", method.Outputs, method.ID,
		big.NewInt(5), creator, common.Address{}, big.NewInt(1000), "ipfs://task-5",
		uint8(TaskAssigned), uint64(100), uint64(200), uint64(300), false, true,
		big.NewInt(10), common.Address{}, big.NewInt(0))

	client := newTestClient(t, rpc)
	view, err := client.GetTask(context.Background(), big.NewInt(5))
	require.NoError(t, err)
	require.True(t, view.Exists())
	require.Equal(t, creator, view.Creator)
	require.Equal(t, "ipfs://task-5", view.URI)
	require.Equal(t, TaskAssigned, view.Status)
	require.Equal(t, 0, view.Reward.Cmp(big.NewInt(1000)))
	require.True(t, view.Fixed)
}

func TestGetTaskZeroCreatorDoesNotExist(t *testing.T) {
	rpc := newFakeRPC()
	method := escrowABI.Methods["getTask"]
	rpc.respond(t, "getTask", method.Outputs, method.ID,
		big.NewInt(0), common.Address{}, common.Address{}, big.NewInt(0), "",
		uint8(0), uint64(0), uint64(0), uint64(0), false, false,
		big.NewInt(0), common.Address{}, big.NewInt(0))

	view, err := newTestClient(t, rpc).GetTask(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	require.False(t, view.Exists())
}

func TestCallTimeoutClassifiedAsChainUnavailable(t *testing.T) {
	rpc := newFakeRPC()
	rpc.callErr = context.DeadlineExceeded
	_, err := newTestClient(t, rpc).GetTask(context.Background(), big.NewInt(1))
	require.Error(t, err)
	require.Equal(t, failure.KindChainUnavailable, failure.KindOf(err))
}

func TestTransactRejectsSignerFromOtherChain(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	stale, err := NewSigner(key, 1)
	require.NoError(t, err)

	rpc := newFakeRPC()
	_, err = newTestClient(t, rpc).Approve(context.Background(), stale, big.NewInt(5))
	require.Equal(t, failure.KindInvalidState, failure.KindOf(err))
	require.Empty(t, rpc.sent)
}

func TestCreateTaskWaitsForReceiptAndParsesEvent(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key, 7001)
	require.NoError(t, err)

	rpc := newFakeRPC()
	rpc.misses = 2
	rpc.logs = []*gethtypes.Log{
		{Address: tokenAddr, Topics: []common.Hash{TaskCreatedTopic, common.BigToHash(big.NewInt(99)), common.BytesToHash(signer.Address().Bytes())}},
		{Address: escrowAddr, Topics: []common.Hash{TaskCreatedTopic, common.BigToHash(big.NewInt(42)), common.BytesToHash(signer.Address().Bytes())}},
	}
	client := newTestClient(t, rpc)
	receipt, err := client.CreateTask(context.Background(), signer, CreateTaskParams{Reward: big.NewInt(100), URI: "ipfs://x"})
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)
	require.Equal(t, uint64(7001), rpc.sent[0].ChainId().Uint64())

	id, ok := ParseTaskCreated(receipt, client.EscrowAddress(), signer.Address())
	require.True(t, ok)
	require.Equal(t, int64(42), id.Int64())

	_, ok = ParseTaskCreated(receipt, client.EscrowAddress(), common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.False(t, ok)
}

func TestRevertedTransactionIsInvalidState(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key, 7001)
	require.NoError(t, err)

	rpc := newFakeRPC()
	rpc.status = gethtypes.ReceiptStatusFailed
	_, err = newTestClient(t, rpc).Refund(context.Background(), signer, big.NewInt(3))
	require.Equal(t, failure.KindInvalidState, failure.KindOf(err))
}

type codedError struct{ code int }

func (e codedError) Error() string  { return "provider error" }
func (e codedError) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want failure.Kind
	}{
		{codedError{CodeUserRejected}, failure.KindUserRejected},
		{codedError{CodeDisconnected}, failure.KindChainUnavailable},
		{errors.New("insufficient funds for gas * price + value"), failure.KindInsufficientFunds},
		{errors.New("execution reverted: not deposited"), failure.KindInvalidState},
		{errors.New("nonce too low"), failure.KindTransient},
		{context.DeadlineExceeded, failure.KindChainUnavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}

func TestAddAmounts(t *testing.T) {
	sum, err := AddAmounts(big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(5), sum.Int64())

	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, err = AddAmounts(max, big.NewInt(1))
	require.Error(t, err)
	require.False(t, FitsUint256(big.NewInt(-1)))
}

func TestParseTokenAmount(t *testing.T) {
	v, err := ParseTokenAmount("12.5", 2)
	require.NoError(t, err)
	require.Equal(t, int64(1250), v.Int64())

	v, err = ParseTokenAmount("3", TokenDecimals)
	require.NoError(t, err)
	require.Equal(t, "3000000000000000000", v.String())

	v, err = ParseTokenAmount(".5", 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Int64())

	for _, raw := range []string{"", ".", "-1", "+1", "1.2.3", "1.234", "abc"} {
		_, err := ParseTokenAmount(raw, 2)
		require.Error(t, err, raw)
	}
}
