package events

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20EventsABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "spender", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
    ],
    "name": "Approval",
    "type": "event"
  }
]`

var (
	erc20Events     abi.ABI
	erc20EventsOnce sync.Once
	erc20EventsErr  error
)

func erc20EventsInstance() (abi.ABI, error) {
	erc20EventsOnce.Do(func() {
		erc20Events, erc20EventsErr = abi.JSON(strings.NewReader(erc20EventsABIJSON))
	})
	return erc20Events, erc20EventsErr
}
