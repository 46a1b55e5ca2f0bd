package model

import (
	"github.com/ethereum/go-ethereum/common"
)

// Header is the minimal view of a chain block header the engine tracks.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

// EventRecord is one decoded chain event attributed to its block.
type EventRecord struct {
	BlockNumber uint64
	Index       uint
	Phase       string
	Label       string
	Value       map[string]interface{}
}

// BlockInfo bundles a header with the events emitted in that block.
// Built once by the connection worker and never mutated afterwards.
type BlockInfo struct {
	Hash   common.Hash
	Header Header
	Events []EventRecord
}

// EventSummary aggregates the occurrences of one event label within one
// block, for recency display.
type EventSummary struct {
	BlockNumber uint64
	Index       uint
	Label       string
	Count       int
}

// Clone returns a deep copy so the value can cross the worker/engine
// boundary without sharing the events slice.
func (b BlockInfo) Clone() BlockInfo {
	out := b
	if b.Events != nil {
		out.Events = make([]EventRecord, len(b.Events))
		copy(out.Events, b.Events)
	}
	return out
}
