package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseBlockHash converts user-supplied hash text into a block hash. The
// accepted form is exactly "0x" followed by 64 lowercase hex characters.
func ParseBlockHash(input string) (common.Hash, error) {
	if !strings.HasPrefix(input, "0x") {
		return common.Hash{}, fmt.Errorf("block hash must start with 0x: %s", input)
	}
	if len(input) != 2+2*common.HashLength {
		return common.Hash{}, fmt.Errorf("block hash must be %d hex characters: %s", 2*common.HashLength, input)
	}
	if input != strings.ToLower(input) {
		return common.Hash{}, fmt.Errorf("block hash must be lowercase hex: %s", input)
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid block hash: %s", input)
	}
	return common.BytesToHash(data), nil
}
