package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// WalletClient handles communication with the wallet daemon
type WalletClient struct {
	url       string
	username  string
	password  string
	client    *http.Client
	requestID uint64
}

// NewWalletClient creates a new wallet RPC client. Username and
// password are optional basic-auth credentials.
func NewWalletClient(url string, timeout time.Duration, username, password string) *WalletClient {
	return &WalletClient{
		url:      url,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WalletBalance is the wallet's current balance state
type WalletBalance struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlocked_balance"`
}

// Destination is one transfer output
type Destination struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

// TransferRequest is a wallet transfer call
type TransferRequest struct {
	Destinations []Destination `json:"destinations"`
	Mixin        int           `json:"mixin"`
	UnlockTime   uint64        `json:"unlock_time"`
	PaymentID    string        `json:"payment_id,omitempty"`
}

// TransferReply is the wallet's transfer result. Fee is a pointer so a
// response missing the field is distinguishable from a zero fee.
type TransferReply struct {
	Fee    *uint64 `json:"fee"`
	TxHash string  `json:"tx_hash"`
}

// ErrNotEnoughMoney reports whether err is the wallet's insufficient
// funds condition.
func ErrNotEnoughMoney(err error) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "not enough money")
}

func (c *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBalance returns the wallet balance
func (c *WalletClient) GetBalance(ctx context.Context) (*WalletBalance, error) {
	result, err := c.call(ctx, "getbalance", nil)
	if err != nil {
		return nil, err
	}

	var balance WalletBalance
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, err
	}

	return &balance, nil
}

// GetHeight returns the wallet's synced height
func (c *WalletClient) GetHeight(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getheight", nil)
	if err != nil {
		return 0, err
	}

	var reply struct {
		Height uint64 `json:"height"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return 0, err
	}

	return reply.Height, nil
}

// Transfer sends coins to one or more destinations
func (c *WalletClient) Transfer(ctx context.Context, req *TransferRequest) (*TransferReply, error) {
	result, err := c.call(ctx, "transfer", req)
	if err != nil {
		return nil, err
	}

	var reply TransferReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}

	return &reply, nil
}

// Store flushes the wallet state to disk. Fire and forget; failures
// are the caller's to log.
func (c *WalletClient) Store(ctx context.Context) error {
	_, err := c.call(ctx, "store", nil)
	return err
}
