package scan

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"chainscope/internal/events"
	"chainscope/internal/metrics"
	"chainscope/internal/model"
)

// Defaults for the engine's bounds.
const (
	DefaultMaxBlocks       = 2000
	DefaultMaxEvents       = 2000
	DefaultDrainLimit      = 100
	DefaultPreloadDepth    = 100
	DefaultChannelCapacity = 16
)

// ErrInvalidRange reports a recent-list range that does not fit the current
// length. Stale ranges are rejected outright, never clamped.
var ErrInvalidRange = errors.New("range out of bounds")

// Config holds the engine's cache bounds and ingest limits.
type Config struct {
	MaxBlocks       int
	MaxEvents       int
	DrainLimit      int
	PreloadDepth    int
	ChannelCapacity int
	// IgnorePrefixes drops matching labels from the recent-events list.
	// The events still appear in the block's own record.
	IgnorePrefixes []string
	// RetryBackoff is the worker's delay between reconnect attempts.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = DefaultMaxBlocks
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.DrainLimit <= 0 {
		c.DrainLimit = DefaultDrainLimit
	}
	if c.PreloadDepth <= 0 {
		c.PreloadDepth = DefaultPreloadDepth
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	return c
}

// Engine holds the bounded view of recent chain activity and the preload
// state machine. It is mutated only by the consumer's Poll calls; the worker
// feeds it exclusively through the update channel.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	requests chan Request
	updates  chan Event
	closed   bool

	url            string
	connectedURL   string
	needsReconnect bool

	genesis     common.Hash
	haveGenesis bool
	best        uint64

	blocks       map[uint64]model.BlockInfo
	hashToNumber map[common.Hash]uint64
	recentBlocks []uint64
	recentEvents []model.EventSummary

	preloadRemaining int
	preloadNext      common.Hash
	preloadArmed     bool
	preloadInit      bool
}

// NewEngine builds an engine and the channel pair its worker attaches to.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		requests:     make(chan Request, cfg.ChannelCapacity),
		updates:      make(chan Event, cfg.ChannelCapacity),
		blocks:       make(map[uint64]model.BlockInfo),
		hashToNumber: make(map[common.Hash]uint64),
	}
}

// NewPipeline wires an engine to a fresh worker over the bounded channel
// pair. The worker still has to be started with Run.
func NewPipeline(cfg Config, dial DialFunc, summarizer *events.Summarizer, logger *zap.Logger) (*Engine, *Worker) {
	engine := NewEngine(cfg, logger)
	worker := NewWorker(dial, summarizer, engine.requests, engine.updates, engine.cfg.RetryBackoff, logger)
	return engine, worker
}

// SetURL records a new target node URL. The reconnect request goes out on
// the next Poll.
func (e *Engine) SetURL(url string) {
	if url == e.url {
		return
	}
	e.url = url
	e.needsReconnect = true
}

// RequestBlock asks the worker for one block by hash. The request is dropped
// with a log line when the queue is full.
func (e *Engine) RequestBlock(hash common.Hash) {
	e.trySend(GetBlockInfo{Hash: hash})
}

// Close signals the worker to stop reconnecting and exit.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	close(e.requests)
}

// Poll issues any pending reconnect and drains up to DrainLimit queued
// events, without ever blocking. The rest wait for the next Poll.
func (e *Engine) Poll() {
	if e.needsReconnect && e.url != "" && e.url != e.connectedURL {
		if e.trySend(ConnectTo{URL: e.url}) {
			e.connectedURL = e.url
			e.needsReconnect = false
		}
	}

	for i := 0; i < e.cfg.DrainLimit; i++ {
		select {
		case ev, ok := <-e.updates:
			if !ok {
				return
			}
			e.ingest(ev)
		default:
			return
		}
	}
}

func (e *Engine) ingest(ev Event) {
	switch m := ev.(type) {
	case Connected:
		e.ingestConnected(m)
	case NewBlock:
		e.ingestBlock(m.Info)
	}
}

func (e *Engine) ingestConnected(m Connected) {
	if m.IsReconnect && e.haveGenesis && m.Genesis != e.genesis {
		e.clear()
	}
	e.genesis = m.Genesis
	e.haveGenesis = true

	if !e.preloadInit {
		e.preloadInit = true
		e.preloadRemaining = e.cfg.PreloadDepth
	}

	e.logger.Info("connected", zap.String("genesis", m.Genesis.Hex()), zap.Bool("reconnect", m.IsReconnect))
}

func (e *Engine) ingestBlock(info model.BlockInfo) {
	number := info.Header.Number

	isBest := number > e.best
	if isBest {
		e.best = number
		metrics.BestBlock.Set(float64(number))
	}

	if _, exists := e.blocks[number]; !exists {
		summaries := e.summarize(info)
		if isBest {
			e.recentEvents = append(summaries, e.recentEvents...)
		} else {
			e.recentEvents = append(e.recentEvents, summaries...)
		}
		metrics.EventsSummarized.Add(float64(len(summaries)))

		e.blocks[number] = info
		e.hashToNumber[info.Hash] = number
		if isBest {
			e.recentBlocks = append([]uint64{number}, e.recentBlocks...)
		} else {
			e.recentBlocks = append(e.recentBlocks, number)
		}
		metrics.BlocksIngested.Inc()

		e.evict()
	}

	e.advancePreload(info, isBest)
}

// summarize groups one block's events by label with occurrence counts,
// keeping first-occurrence order and skipping ignored labels.
func (e *Engine) summarize(info model.BlockInfo) []model.EventSummary {
	var order []string
	byLabel := make(map[string]*model.EventSummary)
	for _, rec := range info.Events {
		if e.ignored(rec.Label) {
			continue
		}
		if s, ok := byLabel[rec.Label]; ok {
			s.Count++
			continue
		}
		byLabel[rec.Label] = &model.EventSummary{
			BlockNumber: info.Header.Number,
			Index:       rec.Index,
			Label:       rec.Label,
			Count:       1,
		}
		order = append(order, rec.Label)
	}

	out := make([]model.EventSummary, 0, len(order))
	for _, label := range order {
		out = append(out, *byLabel[label])
	}
	return out
}

func (e *Engine) ignored(label string) bool {
	for _, prefix := range e.cfg.IgnorePrefixes {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}
	return false
}

// evict trims both recent lists back to their bounds, removing evicted
// blocks from the lookup maps in the same step.
func (e *Engine) evict() {
	if len(e.recentEvents) > e.cfg.MaxEvents {
		e.recentEvents = e.recentEvents[:e.cfg.MaxEvents]
	}

	for len(e.recentBlocks) > e.cfg.MaxBlocks {
		tail := e.recentBlocks[len(e.recentBlocks)-1]
		e.recentBlocks = e.recentBlocks[:len(e.recentBlocks)-1]
		if info, ok := e.blocks[tail]; ok {
			delete(e.hashToNumber, info.Hash)
			delete(e.blocks, tail)
		}
		metrics.BlocksEvicted.Inc()
	}
}

// advancePreload walks the chain backward one parent per matching block:
// the first best block after connect arms the walk, and every block arriving
// for the current target requests its parent, until the counter runs out or
// a block has no resolvable parent.
func (e *Engine) advancePreload(info model.BlockInfo, isBest bool) {
	if e.preloadRemaining <= 0 {
		return
	}
	if e.preloadArmed {
		if info.Hash != e.preloadNext {
			return
		}
	} else if !isBest {
		return
	}
	e.preloadArmed = true

	parent := info.Header.ParentHash
	if info.Header.Number == 0 || parent == (common.Hash{}) {
		e.preloadRemaining = 0
		return
	}

	e.preloadRemaining--
	e.preloadNext = parent
	if !e.trySend(GetBlockInfo{Hash: parent}) {
		e.logger.Warn("preload halted: request queue full", zap.Uint64("block", info.Header.Number))
		e.preloadRemaining = 0
	}
}

// clear empties every cache structure. Triggered when a reconnect lands on a
// different chain identity.
func (e *Engine) clear() {
	e.blocks = make(map[uint64]model.BlockInfo)
	e.hashToNumber = make(map[common.Hash]uint64)
	e.recentBlocks = nil
	e.recentEvents = nil
	e.best = 0
	e.genesis = common.Hash{}
	e.haveGenesis = false
	e.preloadArmed = false
	e.preloadNext = common.Hash{}
	metrics.CacheClears.Inc()
	metrics.BestBlock.Set(0)
	e.logger.Info("caches cleared, chain identity changed")
}

func (e *Engine) trySend(req Request) bool {
	if e.closed {
		return false
	}
	select {
	case e.requests <- req:
		return true
	default:
		metrics.RequestsDropped.Inc()
		e.logger.Warn("request queue full, dropping request")
		return false
	}
}

// BlockByNumber looks up a cached block.
func (e *Engine) BlockByNumber(number uint64) (model.BlockInfo, bool) {
	info, ok := e.blocks[number]
	return info, ok
}

// BlockByHash looks up a cached block through the hash index.
func (e *Engine) BlockByHash(hash common.Hash) (model.BlockInfo, bool) {
	number, ok := e.hashToNumber[hash]
	if !ok {
		return model.BlockInfo{}, false
	}
	return e.BlockByNumber(number)
}

// RecentBlocks returns the block numbers in the half-open range [start, end)
// of the recent list, newest first.
func (e *Engine) RecentBlocks(start, end int) ([]uint64, error) {
	if start < 0 || start > end || end > len(e.recentBlocks) {
		return nil, ErrInvalidRange
	}
	out := make([]uint64, end-start)
	copy(out, e.recentBlocks[start:end])
	return out, nil
}

// RecentEvents returns the event summaries in the half-open range
// [start, end) of the recent list, newest first.
func (e *Engine) RecentEvents(start, end int) ([]model.EventSummary, error) {
	if start < 0 || start > end || end > len(e.recentEvents) {
		return nil, ErrInvalidRange
	}
	out := make([]model.EventSummary, end-start)
	copy(out, e.recentEvents[start:end])
	return out, nil
}

// RecentBlockCount returns the current length of the recent-blocks list.
func (e *Engine) RecentBlockCount() int {
	return len(e.recentBlocks)
}

// RecentEventCount returns the current length of the recent-events list.
func (e *Engine) RecentEventCount() int {
	return len(e.recentEvents)
}

// BestBlock returns the highest block number seen from the live
// subscription.
func (e *Engine) BestBlock() uint64 {
	return e.best
}

// GenesisHash returns the identity of the chain the caches represent, and
// whether a connection has been established yet.
func (e *Engine) GenesisHash() (common.Hash, bool) {
	return e.genesis, e.haveGenesis
}

// URL returns the target node URL.
func (e *Engine) URL() string {
	return e.url
}
