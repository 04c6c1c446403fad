package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransactionNotFound indicates the ledger has no record of the hash.
var ErrTransactionNotFound = errors.New("ledger: transaction not found")

// rpc error code returned by the node when a hash is unknown
const codeNotFound = -32004

// TransactionDetail is the settlement-relevant view of an on-chain transfer.
type TransactionDetail struct {
	Hash        common.Hash
	Destination common.Address
	Amount      int64
	Memo        string
}

// Client provides a thin JSON-RPC wrapper over the blockchain node.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL     string
	Timeout time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url: strings.TrimSpace(cfg.URL),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetTransaction fetches destination, amount, and memo for the supplied hash.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*TransactionDetail, error) {
	var result struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
		Memo   string `json:"memo"`
	}
	if err := c.call(ctx, "ledger_getTransaction", []interface{}{hash.Hex()}, &result); err != nil {
		return nil, err
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(result.Amount), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse amount %q: %w", result.Amount, err)
	}
	return &TransactionDetail{
		Hash:        hash,
		Destination: common.HexToAddress(result.To),
		Amount:      amount,
		Memo:        strings.TrimSpace(result.Memo),
	}, nil
}

// GetBalance returns the confirmed balance for the address in the smallest
// currency unit.
func (c *Client) GetBalance(ctx context.Context, address common.Address) (int64, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "ledger_getBalance", []interface{}{address.Hex()}, &result); err != nil {
		return 0, err
	}
	balance, err := strconv.ParseInt(strings.TrimSpace(result.Balance), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse balance %q: %w", result.Balance, err)
	}
	return balance, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeNotFound {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("ledger: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
