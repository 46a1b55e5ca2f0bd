package events

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func newTestSummarizer(t *testing.T, cfg SummarizerConfig) *Summarizer {
	t.Helper()
	s, err := NewSummarizer(cfg)
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}
	return s
}

func transferTopic(t *testing.T) common.Hash {
	t.Helper()
	registry, err := erc20EventsInstance()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry.Events["Transfer"].ID
}

func TestSummarizeTransfer(t *testing.T) {
	s := newTestSummarizer(t, SummarizerConfig{})

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	log := types.Log{
		Address: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics: []common.Hash{
			transferTopic(t),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(42).Bytes(), 32),
	}

	records := s.Summarize(100, []types.Log{log})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.Label != "erc20.Transfer" {
		t.Fatalf("label mismatch: %s", rec.Label)
	}
	if rec.BlockNumber != 100 || rec.Index != 0 {
		t.Fatalf("position mismatch: %+v", rec)
	}
	if rec.Value["from"] != from.Hex() || rec.Value["to"] != to.Hex() {
		t.Fatalf("decoded value mismatch: %+v", rec.Value)
	}
	if rec.Value["amount"] != "42" {
		t.Fatalf("amount mismatch: %v", rec.Value["amount"])
	}
}

func TestSummarizeUnknownTopic(t *testing.T) {
	s := newTestSummarizer(t, SummarizerConfig{})

	log := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdead")},
		Data:   []byte{0x01},
	}

	records := s.Summarize(7, []types.Log{log})
	if records[0].Label != UnknownLabel {
		t.Fatalf("expected %s, got %s", UnknownLabel, records[0].Label)
	}
}

func TestSummarizeMissingTopics(t *testing.T) {
	s := newTestSummarizer(t, SummarizerConfig{})

	records := s.Summarize(7, []types.Log{{}})
	if records[0].Label != InvalidLabel {
		t.Fatalf("expected %s, got %s", InvalidLabel, records[0].Label)
	}
}

func TestSummarizeMalformedTransfer(t *testing.T) {
	s := newTestSummarizer(t, SummarizerConfig{})

	// Transfer topic0 but no indexed participants.
	log := types.Log{Topics: []common.Hash{transferTopic(t)}}
	records := s.Summarize(7, []types.Log{log})
	if records[0].Label != InvalidLabel {
		t.Fatalf("expected %s, got %s", InvalidLabel, records[0].Label)
	}
}

func TestSummarizeExtraMapping(t *testing.T) {
	topic0 := "0x" + strings.Repeat("1f", 32)
	s := newTestSummarizer(t, SummarizerConfig{
		Topic0Map: map[string]string{topic0: "bridge.Deposit"},
	})

	log := types.Log{Topics: []common.Hash{common.HexToHash(topic0)}}
	records := s.Summarize(9, []types.Log{log})
	if records[0].Label != "bridge.Deposit" {
		t.Fatalf("expected bridge.Deposit, got %s", records[0].Label)
	}
}

func TestNewSummarizerRejectsBadConfig(t *testing.T) {
	if _, err := NewSummarizer(SummarizerConfig{
		Topic0Map: map[string]string{"0x1234": "bridge.Deposit"},
	}); err == nil {
		t.Fatalf("expected error for short topic0")
	}

	topic0 := "0x" + strings.Repeat("2e", 32)
	if _, err := NewSummarizer(SummarizerConfig{
		Topic0Map: map[string]string{topic0: "nodots"},
	}); err == nil {
		t.Fatalf("expected error for label without module prefix")
	}
}
