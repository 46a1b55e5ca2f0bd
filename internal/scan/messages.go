package scan

import (
	"github.com/ethereum/go-ethereum/common"

	"chainscope/internal/model"
)

// Request is a message from the engine to the connection worker.
type Request interface {
	isRequest()
}

// ConnectTo asks the worker to tear down its current connection and connect
// to the given node URL.
type ConnectTo struct {
	URL string
}

// GetBlockInfo asks the worker to fetch the header and events for one block.
type GetBlockInfo struct {
	Hash common.Hash
}

func (ConnectTo) isRequest()    {}
func (GetBlockInfo) isRequest() {}

// Event is a message from the connection worker to the engine.
type Event interface {
	isEvent()
}

// Connected reports a newly established connection and the chain identity
// behind it. IsReconnect is true for every connection after the first.
type Connected struct {
	Genesis     common.Hash
	IsReconnect bool
}

// NewBlock carries one block's header and decoded events. Delivery order is
// fetch-completion order, not chain order.
type NewBlock struct {
	Info model.BlockInfo
}

func (Connected) isEvent() {}
func (NewBlock) isEvent()  {}
