package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"chainscope/internal/model"
)

// Client wraps go-ethereum RPC and provides the header, event, and
// subscription calls the connection worker needs. Safe for concurrent use.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
}

// Dial opens a connection to the node at rpcURL. Header subscriptions
// require a websocket endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GenesisHash returns the hash of the block at height 0, used as the chain
// identity fingerprint.
func (c *Client) GenesisHash(ctx context.Context) (common.Hash, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, big.NewInt(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("genesis header: %w", err)
	}
	return header.Hash(), nil
}

// BestHeader returns the current head of the chain.
func (c *Client) BestHeader(ctx context.Context) (model.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return model.Header{}, err
	}
	return toHeader(header), nil
}

// HeaderByHash returns the header with the given hash.
func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (model.Header, error) {
	header, err := c.ethClient.HeaderByHash(ctx, hash)
	if err != nil {
		return model.Header{}, err
	}
	return toHeader(header), nil
}

// BlockEvents returns all logs emitted in the block with the given hash.
func (c *Client) BlockEvents(ctx context.Context, blockHash common.Hash) ([]types.Log, error) {
	return c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
}

// SubscribeNewHeads subscribes to new chain heads, delivering them on ch.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- model.Header) (ethereum.Subscription, error) {
	raw := make(chan *types.Header, cap(ch))
	sub, err := c.ethClient.SubscribeNewHead(ctx, raw)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case header, ok := <-raw:
				if !ok {
					return
				}
				select {
				case ch <- toHeader(header):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

func toHeader(h *types.Header) model.Header {
	return model.Header{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
	}
}
