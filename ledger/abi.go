package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const escrowABIJSON = `[
  {"type":"function","name":"getTask","stateMutability":"view",
   "inputs":[{"name":"taskId","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"creator","type":"address"},
     {"name":"helper","type":"address"},
     {"name":"reward","type":"uint256"},
     {"name":"uri","type":"string"},
     {"name":"status","type":"uint8"},
     {"name":"createdAt","type":"uint64"},
     {"name":"updatedAt","type":"uint64"},
     {"name":"deadline","type":"uint64"},
     {"name":"terminated","type":"bool"},
     {"name":"fixed","type":"bool"},
     {"name":"postingFee","type":"uint256"},
     {"name":"crossChainAsset","type":"address"},
     {"name":"crossChainAmount","type":"uint256"}
   ]},
  {"type":"function","name":"taskCounter","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createTask","stateMutability":"nonpayable",
   "inputs":[{"name":"reward","type":"uint256"},{"name":"uri","type":"string"},{"name":"deadline","type":"uint64"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"TaskCreated","anonymous":false,
   "inputs":[
     {"name":"taskId","type":"uint256","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"reward","type":"uint256","indexed":false}
   ]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const vaultABIJSON = `[
  {"type":"function","name":"getReward","stateMutability":"view",
   "inputs":[{"name":"rewardId","type":"uint256"}],
   "outputs":[
     {"name":"creator","type":"address"},
     {"name":"taskId","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"asset","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"sourceChainId","type":"uint64"}
   ]},
  {"type":"function","name":"rewardForTask","stateMutability":"view",
   "inputs":[{"name":"taskId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"associateTask","stateMutability":"nonpayable",
   "inputs":[{"name":"rewardId","type":"uint256"},{"name":"taskId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"rewardId","type":"uint256"}],"outputs":[]}
]`

var (
	escrowABI = mustParseABI(escrowABIJSON)
	tokenABI  = mustParseABI(tokenABIJSON)
	vaultABI  = mustParseABI(vaultABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ledger: invalid abi: " + err.Error())
	}
	return parsed
}

// EscrowABI exposes the parsed escrow ABI for callers building fixtures.
func EscrowABI() abi.ABI { return escrowABI }

// VaultABI exposes the parsed reward vault ABI.
func VaultABI() abi.ABI { return vaultABI }
