package scan

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"chainscope/internal/events"
	"chainscope/internal/metrics"
	"chainscope/internal/model"
)

// Conn is the node connection surface the worker drives. Implementations
// must be safe for concurrent use.
type Conn interface {
	GenesisHash(ctx context.Context) (common.Hash, error)
	BestHeader(ctx context.Context) (model.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (model.Header, error)
	BlockEvents(ctx context.Context, blockHash common.Hash) ([]types.Log, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- model.Header) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a connection to the node at the given URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Worker owns one active node connection. It serves block-info requests and
// forwards subscribed headers to the engine as self-contained events, and
// reconnects on its own after stream failures. It never touches the caches.
type Worker struct {
	dial         DialFunc
	summarizer   *events.Summarizer
	requests     <-chan Request
	updates      chan<- Event
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewWorker builds a worker reading requests and writing events on the given
// channels. Run must be started on its own goroutine.
func NewWorker(dial DialFunc, summarizer *events.Summarizer, requests <-chan Request, updates chan<- Event, retryBackoff time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &Worker{
		dial:         dial,
		summarizer:   summarizer,
		requests:     requests,
		updates:      updates,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

// Run drives connection cycles until the context is canceled or the request
// channel is closed. It closes the update channel on exit.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.updates)

	url, ok := w.awaitURL(ctx)
	if !ok {
		return
	}

	first := true
	for {
		next, ok := w.runConnection(ctx, url, !first)
		if !ok {
			return
		}
		first = false
		if next != "" {
			url = next
		}
	}
}

// awaitURL blocks until the first ConnectTo arrives.
func (w *Worker) awaitURL(ctx context.Context) (string, bool) {
	for {
		select {
		case <-ctx.Done():
			return "", false
		case req, ok := <-w.requests:
			if !ok {
				return "", false
			}
			if m, isConnect := req.(ConnectTo); isConnect {
				return m.URL, true
			}
		}
	}
}

// runConnection performs one full connect cycle: dial, identify the chain,
// subscribe, push the current head, then serve requests and subscription
// items until something breaks. It returns the next URL to connect to ("" to
// retry the same one) and false only on a terminal condition.
func (w *Worker) runConnection(ctx context.Context, url string, isReconnect bool) (string, bool) {
	if isReconnect {
		metrics.Reconnects.Inc()
	}
	w.logger.Info("connecting", zap.String("url", url), zap.Bool("reconnect", isReconnect))

	conn, err := w.dial(ctx, url)
	if err != nil {
		w.logger.Warn("connect failed", zap.String("url", url), zap.Error(err))
		return w.retryAfterBackoff(ctx)
	}
	defer conn.Close()

	genesis, err := conn.GenesisHash(ctx)
	if err != nil {
		w.logger.Warn("genesis fetch failed", zap.String("url", url), zap.Error(err))
		return w.retryAfterBackoff(ctx)
	}

	if !w.send(ctx, Connected{Genesis: genesis, IsReconnect: isReconnect}) {
		return "", false
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before fetching the head so no block slips between the two;
	// a head delivered by both paths is deduplicated downstream by hash.
	heads := make(chan model.Header, DefaultChannelCapacity)
	sub, err := conn.SubscribeNewHeads(subCtx, heads)
	if err != nil {
		w.logger.Warn("subscribe failed", zap.String("url", url), zap.Error(err))
		return w.retryAfterBackoff(ctx)
	}
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()

	best, err := conn.BestHeader(ctx)
	if err != nil {
		w.logger.Warn("best header fetch failed", zap.Error(err))
	} else if !w.pushBlock(ctx, conn, best) {
		return "", false
	}

	for {
		select {
		case <-ctx.Done():
			return "", false

		case req, ok := <-w.requests:
			if !ok {
				return "", false
			}
			switch m := req.(type) {
			case ConnectTo:
				if m.URL != url {
					return m.URL, true
				}
			case GetBlockInfo:
				wg.Add(1)
				go func(hash common.Hash) {
					defer wg.Done()
					w.pushBlockByHash(ctx, conn, hash)
				}(m.Hash)
			}

		case header := <-heads:
			wg.Add(1)
			go func(h model.Header) {
				defer wg.Done()
				w.pushBlock(ctx, conn, h)
			}(header)

		case err := <-sub.Err():
			if err != nil {
				w.logger.Warn("subscription lost", zap.String("url", url), zap.Error(err))
			}
			return w.retryAfterBackoff(ctx)
		}
	}
}

// retryAfterBackoff sleeps the retry delay while still honoring URL changes
// and terminal conditions that arrive in the meantime.
func (w *Worker) retryAfterBackoff(ctx context.Context) (string, bool) {
	timer := time.NewTimer(w.retryBackoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case req, ok := <-w.requests:
			if !ok {
				return "", false
			}
			if m, isConnect := req.(ConnectTo); isConnect {
				return m.URL, true
			}
			w.logger.Debug("dropping block request while disconnected")
		case <-timer.C:
			return "", true
		}
	}
}

// pushBlockByHash resolves a header by hash, then pushes its block info.
func (w *Worker) pushBlockByHash(ctx context.Context, conn Conn, hash common.Hash) bool {
	header, err := conn.HeaderByHash(ctx, hash)
	if err != nil {
		w.logger.Warn("header fetch failed", zap.String("hash", hash.Hex()), zap.Error(err))
		return true
	}
	return w.pushBlock(ctx, conn, header)
}

// pushBlock fetches a header's events and pushes the assembled block info.
// Per-request failures are logged and dropped without breaking the cycle.
func (w *Worker) pushBlock(ctx context.Context, conn Conn, header model.Header) bool {
	logs, err := conn.BlockEvents(ctx, header.Hash)
	if err != nil {
		w.logger.Warn("event fetch failed", zap.Uint64("block", header.Number), zap.Error(err))
		return true
	}

	info := model.BlockInfo{
		Hash:   header.Hash,
		Header: header,
		Events: w.summarizer.Summarize(header.Number, logs),
	}
	return w.send(ctx, NewBlock{Info: info.Clone()})
}

// send blocks until the engine accepts the event, for backpressure against a
// slow consumer.
func (w *Worker) send(ctx context.Context, ev Event) bool {
	select {
	case w.updates <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
