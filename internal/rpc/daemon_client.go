// Package rpc provides coin daemon and wallet communication.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/lthn-network/lthn-pool/internal/util"
)

// reserveSize is the extra-nonce reservation requested from the daemon:
// a length varint plus the 16-byte partitioned nonce region.
const reserveSize = 17

// DaemonClient handles communication with the coin daemon
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockHeader represents a chain block header
type BlockHeader struct {
	Depth        uint64 `json:"depth"`
	Difficulty   uint64 `json:"difficulty"`
	Hash         string `json:"hash"`
	Height       uint64 `json:"height"`
	MajorVersion uint8  `json:"major_version"`
	MinorVersion uint8  `json:"minor_version"`
	Nonce        uint64 `json:"nonce"`
	OrphanStatus bool   `json:"orphan_status"`
	PrevHash     string `json:"prev_hash"`
	Reward       uint64 `json:"reward"`
	Timestamp    uint64 `json:"timestamp"`
}

// BlockTemplateReply is the daemon's raw block template
type BlockTemplateReply struct {
	Blob           string `json:"blocktemplate_blob"`
	Difficulty     uint64 `json:"difficulty"`
	Height         uint64 `json:"height"`
	ReservedOffset int    `json:"reserved_offset"`
	SeedHash       string `json:"seed_hash,omitempty"`
	Status         string `json:"status"`
}

// call makes an RPC call against the daemon's json_rpc endpoint
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
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

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

// recordSuccess records a successful RPC call
func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("daemon marked unhealthy after %d failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetLastBlockHeader returns the chain tip header
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	result, err := c.call(ctx, "getlastblockheader", nil)
	if err != nil {
		return nil, err
	}

	var reply struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}

	return &reply.BlockHeader, nil
}

// GetBlockHeaderByHeight returns the header at a given height
func (c *DaemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	result, err := c.call(ctx, "getblockheaderbyheight", map[string]interface{}{"height": height})
	if err != nil {
		return nil, err
	}

	var reply struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}

	return &reply.BlockHeader, nil
}

// GetBlockHeaderByHash returns the header of a given block hash
func (c *DaemonClient) GetBlockHeaderByHash(ctx context.Context, hash string) (*BlockHeader, error) {
	result, err := c.call(ctx, "getblockheaderbyhash", map[string]interface{}{"hash": hash})
	if err != nil {
		return nil, err
	}

	var reply struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}

	return &reply.BlockHeader, nil
}

// GetBlockTemplate requests a new block template paying walletAddress
func (c *DaemonClient) GetBlockTemplate(ctx context.Context, walletAddress string) (*BlockTemplateReply, error) {
	result, err := c.call(ctx, "getblocktemplate", map[string]interface{}{
		"reserve_size":   reserveSize,
		"wallet_address": walletAddress,
	})
	if err != nil {
		return nil, err
	}

	var reply BlockTemplateReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}
	if reply.Blob == "" {
		return nil, fmt.Errorf("empty block template")
	}

	return &reply, nil
}

// SubmitBlock submits a solved block blob
func (c *DaemonClient) SubmitBlock(ctx context.Context, blob string) (string, error) {
	result, err := c.call(ctx, "submitblock", []string{blob})
	if err != nil {
		return "", err
	}

	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return "", err
	}

	return reply.Status, nil
}
