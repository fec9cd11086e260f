package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TaskCreatedTopic is the topic hash of TaskCreated(uint256,address,uint256).
var TaskCreatedTopic = escrowABI.Events["TaskCreated"].ID

// ParseTaskCreated extracts the task id emitted by escrow for creator. It returns
// false when the receipt carries no matching event.
func ParseTaskCreated(receipt *gethtypes.Receipt, escrow, creator common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != escrow {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != TaskCreatedTopic {
			continue
		}
		emitter := common.BytesToAddress(log.Topics[2].Bytes())
		if emitter != creator {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes()), true
	}
	return nil, false
}
