package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"taskbridge/failure"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

// classify maps an RPC error onto a failure kind. It is the only place raw node
// error text is inspected.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *failure.Error
	if errors.As(err, &typed) {
		return err
	}
	return failure.New(Classify(err), op, err)
}

// Classify returns the failure kind for a raw RPC or wallet error.
func Classify(err error) failure.Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return failure.KindChainUnavailable
	case errors.Is(err, context.Canceled):
		return failure.KindTransient
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeUserRejected, CodeUnauthorized:
			return failure.KindUserRejected
		case CodeDisconnected, CodeChainDisconnected:
			return failure.KindChainUnavailable
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.KindChainUnavailable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return failure.KindUserRejected
	case strings.Contains(msg, "insufficient funds"):
		return failure.KindInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		return failure.KindInvalidState
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return failure.KindChainUnavailable
	default:
		return failure.KindTransient
	}
}
