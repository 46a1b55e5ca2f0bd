package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"chainscope/internal/events"
	"chainscope/internal/model"
)

type stubSub struct {
	errc chan error
}

func (s *stubSub) Unsubscribe() {}

func (s *stubSub) Err() <-chan error { return s.errc }

type stubConn struct {
	mu       sync.Mutex
	genesis  common.Hash
	best     model.Header
	headers  map[common.Hash]model.Header
	logs     map[common.Hash][]types.Log
	eventErr map[common.Hash]error
	sub      *stubSub
	heads    chan<- model.Header
	closed   bool
}

func newStubConn(genesis common.Hash, headers ...model.Header) *stubConn {
	c := &stubConn{
		genesis:  genesis,
		headers:  make(map[common.Hash]model.Header),
		logs:     make(map[common.Hash][]types.Log),
		eventErr: make(map[common.Hash]error),
		sub:      &stubSub{errc: make(chan error, 1)},
	}
	for _, h := range headers {
		c.headers[h.Hash] = h
		if h.Number > c.best.Number || c.best.Hash == (common.Hash{}) {
			c.best = h
		}
	}
	return c
}

func (c *stubConn) GenesisHash(context.Context) (common.Hash, error) {
	return c.genesis, nil
}

func (c *stubConn) BestHeader(context.Context) (model.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.best, nil
}

func (c *stubConn) HeaderByHash(_ context.Context, hash common.Hash) (model.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	header, ok := c.headers[hash]
	if !ok {
		return model.Header{}, errors.New("header not found")
	}
	return header, nil
}

func (c *stubConn) BlockEvents(_ context.Context, blockHash common.Hash) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.eventErr[blockHash]; err != nil {
		return nil, err
	}
	return c.logs[blockHash], nil
}

func (c *stubConn) SubscribeNewHeads(_ context.Context, ch chan<- model.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heads = ch
	return c.sub, nil
}

func (c *stubConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *stubConn) injectHead(h model.Header) {
	c.mu.Lock()
	ch := c.heads
	c.mu.Unlock()
	ch <- h
}

// stubDialer hands out one prepared connection per dial, in order.
type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
	urls  []string
}

func (d *stubDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}
	conn := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return conn, nil
}

func header(number uint64) model.Header {
	return model.Header{
		Number:     number,
		Hash:       blockHash(number),
		ParentHash: parentHash(number),
	}
}

type workerHarness struct {
	requests chan Request
	updates  chan Event
	dialer   *stubDialer
	cancel   context.CancelFunc
	done     chan struct{}
}

func startWorker(t *testing.T, conns ...*stubConn) *workerHarness {
	t.Helper()

	summarizer, err := events.NewSummarizer(events.SummarizerConfig{})
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}

	h := &workerHarness{
		requests: make(chan Request, DefaultChannelCapacity),
		updates:  make(chan Event, DefaultChannelCapacity),
		dialer:   &stubDialer{conns: conns},
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	worker := NewWorker(h.dialer.dial, summarizer, h.requests, h.updates, 10*time.Millisecond, nil)
	go func() {
		worker.Run(ctx)
		close(h.done)
	}()

	return h
}

func (h *workerHarness) recv(t *testing.T) Event {
	t.Helper()
	select {
	case ev, ok := <-h.updates:
		if !ok {
			t.Fatalf("update channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return nil
}

func (h *workerHarness) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit")
	}
}

func TestWorkerConnectCycle(t *testing.T) {
	head := header(50)
	historical := header(49)
	conn := newStubConn(genesisA, head, historical)
	h := startWorker(t, conn)

	h.requests <- ConnectTo{URL: "ws://node"}

	connected, ok := h.recv(t).(Connected)
	if !ok {
		t.Fatalf("expected Connected first")
	}
	if connected.Genesis != genesisA || connected.IsReconnect {
		t.Fatalf("unexpected connected event: %+v", connected)
	}

	block, ok := h.recv(t).(NewBlock)
	if !ok {
		t.Fatalf("expected best block push")
	}
	if block.Info.Header != head {
		t.Fatalf("best block mismatch: %+v", block.Info.Header)
	}

	// On-demand request by hash.
	h.requests <- GetBlockInfo{Hash: historical.Hash}
	block, ok = h.recv(t).(NewBlock)
	if !ok {
		t.Fatalf("expected on-demand block push")
	}
	if block.Info.Header != historical {
		t.Fatalf("on-demand block mismatch: %+v", block.Info.Header)
	}
}

func TestWorkerForwardsSubscribedHeads(t *testing.T) {
	head := header(50)
	next := header(51)
	conn := newStubConn(genesisA, head, next)
	h := startWorker(t, conn)

	h.requests <- ConnectTo{URL: "ws://node"}
	h.recv(t) // Connected
	h.recv(t) // best block

	conn.injectHead(next)
	block, ok := h.recv(t).(NewBlock)
	if !ok {
		t.Fatalf("expected block push for subscribed head")
	}
	if block.Info.Header != next {
		t.Fatalf("subscribed block mismatch: %+v", block.Info.Header)
	}
}

func TestWorkerReconnectsOnSubscriptionError(t *testing.T) {
	first := newStubConn(genesisA, header(50))
	second := newStubConn(genesisA, header(51))
	h := startWorker(t, first, second)

	h.requests <- ConnectTo{URL: "ws://node"}
	h.recv(t) // Connected
	h.recv(t) // best block

	first.sub.errc <- errors.New("stream reset")

	connected, ok := h.recv(t).(Connected)
	if !ok {
		t.Fatalf("expected Connected after reconnect")
	}
	if !connected.IsReconnect {
		t.Fatalf("reconnect not flagged")
	}

	block, ok := h.recv(t).(NewBlock)
	if !ok {
		t.Fatalf("expected best block after reconnect")
	}
	if block.Info.Header.Number != 51 {
		t.Fatalf("best block mismatch after reconnect: %d", block.Info.Header.Number)
	}
}

func TestWorkerSkipsBlockOnEventFetchFailure(t *testing.T) {
	head := header(50)
	historical := header(49)
	conn := newStubConn(genesisA, head, historical)
	conn.eventErr[head.Hash] = errors.New("rpc timeout")
	h := startWorker(t, conn)

	h.requests <- ConnectTo{URL: "ws://node"}
	h.recv(t) // Connected

	// The failed head fetch is dropped; the next request still works.
	h.requests <- GetBlockInfo{Hash: historical.Hash}
	block, ok := h.recv(t).(NewBlock)
	if !ok {
		t.Fatalf("expected block push after failed fetch")
	}
	if block.Info.Header != historical {
		t.Fatalf("unexpected block: %+v", block.Info.Header)
	}
}

func TestWorkerSwitchesURL(t *testing.T) {
	first := newStubConn(genesisA, header(50))
	second := newStubConn(genesisB, header(7))
	h := startWorker(t, first, second)

	h.requests <- ConnectTo{URL: "ws://node-a"}
	h.recv(t) // Connected
	h.recv(t) // best block

	h.requests <- ConnectTo{URL: "ws://node-b"}

	connected, ok := h.recv(t).(Connected)
	if !ok {
		t.Fatalf("expected Connected on new url")
	}
	if connected.Genesis != genesisB || !connected.IsReconnect {
		t.Fatalf("unexpected connected event: %+v", connected)
	}

	h.dialer.mu.Lock()
	urls := append([]string(nil), h.dialer.urls...)
	h.dialer.mu.Unlock()
	if len(urls) != 2 || urls[1] != "ws://node-b" {
		t.Fatalf("dial urls mismatch: %v", urls)
	}
}

func TestWorkerExitsWhenRequestsClosed(t *testing.T) {
	conn := newStubConn(genesisA, header(50))
	h := startWorker(t, conn)

	h.requests <- ConnectTo{URL: "ws://node"}
	h.recv(t) // Connected
	h.recv(t) // best block

	close(h.requests)
	h.waitExit(t)

	// The worker closes the update channel on the way out.
	select {
	case _, ok := <-h.updates:
		if ok {
			t.Fatalf("expected closed update channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("update channel not closed")
	}
}
