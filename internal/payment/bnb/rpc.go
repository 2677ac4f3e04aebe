package bnb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient is a minimal Ethereum JSON-RPC client for the BSC endpoints
// this service needs: chain head and address balances. One instance is
// shared across poll goroutines and the worker.
type RPCClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

func NewRPCClient(endpoint string) *RPCClient {
	return &RPCClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) LatestBlock(ctx context.Context) (int64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexInt64(result)
}

// BalanceAt returns the wei balance of addr at the given block, or the
// latest block when block < 0.
func (c *RPCClient) BalanceAt(ctx context.Context, addr string, block int64) (*big.Int, error) {
	blockParam := "latest"
	if block >= 0 {
		blockParam = fmt.Sprintf("0x%x", block)
	}
	var result string
	if err := c.call(ctx, "eth_getBalance", []any{addr, blockParam}, &result); err != nil {
		return nil, err
	}
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(result, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("malformed balance %q", result)
	}
	return wei, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %s", resp.Status)
	}

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.Error != nil {
		return fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

func parseHexInt64(s string) (int64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return 0, errors.New("malformed hex quantity " + s)
	}
	return v.Int64(), nil
}
