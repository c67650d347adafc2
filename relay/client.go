package relay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is a SourceClient over the shielded chain's JSON-RPC endpoint.
type Client struct {
	rpc *rpc.Client
}

// NewClient dials the source-chain node.
func NewClient(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("error dialing source chain node %s: %w", url, err)
	}
	return &Client{rpc: c}, nil
}

// BlockHeight returns the current tip height of the source chain.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var height hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &height, "chain_blockHeight"); err != nil {
		return 0, err
	}
	return uint64(height), nil
}

// RawHeaderByHeight returns the serialized block header at the given height.
func (c *Client) RawHeaderByHeight(ctx context.Context, height uint64) ([]byte, error) {
	var raw hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &raw, "chain_rawHeaderByHeight", hexutil.Uint64(height)); err != nil {
		return nil, err
	}
	return raw, nil
}

// Close tears down the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}
