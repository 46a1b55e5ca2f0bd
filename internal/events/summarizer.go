package events

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"chainscope/internal/model"
)

// Labels synthesized for logs that cannot be attributed to a known event.
const (
	UnknownLabel = "unknown.event"
	InvalidLabel = "invalid.event"
)

// PhaseApply tags events emitted during transaction execution.
const PhaseApply = "apply"

// SummarizerConfig configures summarizer behavior.
type SummarizerConfig struct {
	// Topic0Map adds extra topic0 -> "<module>.<name>" label mappings on top
	// of the built-in registry.
	Topic0Map map[string]string
}

// Summarizer decodes raw logs into event records. A single malformed or
// unrecognized log never fails the block: it becomes a placeholder record.
type Summarizer struct {
	registry    abi.ABI
	topicToName map[common.Hash]string
	extraLabels map[common.Hash]string
}

// NewSummarizer builds a summarizer with the built-in ERC-20 registry plus
// any configured extra mappings.
func NewSummarizer(cfg SummarizerConfig) (*Summarizer, error) {
	registry, err := erc20EventsInstance()
	if err != nil {
		return nil, err
	}

	topicToName := map[common.Hash]string{
		registry.Events["Transfer"].ID: "Transfer",
		registry.Events["Approval"].ID: "Approval",
	}

	extraLabels := make(map[common.Hash]string, len(cfg.Topic0Map))
	for topic0, label := range cfg.Topic0Map {
		data, err := hexutil.Decode(strings.TrimSpace(topic0))
		if err != nil || len(data) != common.HashLength {
			return nil, fmt.Errorf("invalid topic0 in map: %s", topic0)
		}
		label = strings.TrimSpace(label)
		if !strings.Contains(label, ".") {
			return nil, fmt.Errorf("label must be <module>.<name>: %s", label)
		}
		extraLabels[common.BytesToHash(data)] = label
	}

	return &Summarizer{
		registry:    registry,
		topicToName: topicToName,
		extraLabels: extraLabels,
	}, nil
}

// Summarize converts the logs of one block into event records, in log order.
func (s *Summarizer) Summarize(blockNumber uint64, logs []types.Log) []model.EventRecord {
	records := make([]model.EventRecord, 0, len(logs))
	for i, log := range logs {
		records = append(records, s.record(blockNumber, uint(i), log))
	}
	return records
}

func (s *Summarizer) record(blockNumber uint64, index uint, log types.Log) model.EventRecord {
	rec := model.EventRecord{
		BlockNumber: blockNumber,
		Index:       index,
		Phase:       PhaseApply,
	}

	if len(log.Topics) == 0 {
		rec.Label = InvalidLabel
		rec.Value = map[string]interface{}{
			"address": log.Address.Hex(),
			"data":    hexutil.Encode(log.Data),
			"error":   "missing topics",
		}
		return rec
	}

	topic0 := log.Topics[0]

	if name, ok := s.topicToName[topic0]; ok {
		value, err := s.decodeERC20(name, log)
		if err != nil {
			rec.Label = InvalidLabel
			rec.Value = map[string]interface{}{
				"topic0": topic0.Hex(),
				"error":  err.Error(),
			}
			return rec
		}
		rec.Label = "erc20." + name
		rec.Value = value
		return rec
	}

	if label, ok := s.extraLabels[topic0]; ok {
		rec.Label = label
		rec.Value = rawValue(log)
		return rec
	}

	rec.Label = UnknownLabel
	rec.Value = rawValue(log)
	return rec
}

func (s *Summarizer) decodeERC20(name string, log types.Log) (map[string]interface{}, error) {
	event, ok := s.registry.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event name: %s", name)
	}
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}

	data, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}
	if len(data) != 1 {
		return nil, fmt.Errorf("expected 1 data field, got %d", len(data))
	}

	value := map[string]interface{}{
		"address": log.Address.Hex(),
		"amount":  fmt.Sprintf("%v", data[0]),
	}
	switch name {
	case "Transfer":
		value["from"] = common.BytesToAddress(log.Topics[1].Bytes()).Hex()
		value["to"] = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	case "Approval":
		value["owner"] = common.BytesToAddress(log.Topics[1].Bytes()).Hex()
		value["spender"] = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
	}
	return value, nil
}

func rawValue(log types.Log) map[string]interface{} {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}
	return map[string]interface{}{
		"address": log.Address.Hex(),
		"topics":  topics,
		"data":    hexutil.Encode(log.Data),
	}
}
