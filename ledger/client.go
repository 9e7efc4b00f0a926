// Package ledger talks to the external escrow engine ("indexer") over
// JSON-RPC. The engine enforces fund custody; this client only prepares
// payloads and interprets responses.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const jsonRPCVersion = "2.0"

// StatusSuccess is the only submission status the pipeline accepts.
const StatusSuccess = "SUCCESS"

// Client is a thin JSON-RPC client bound to the escrow engine endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithAuthToken sets the bearer token attached to engine requests.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// NewClient initialises a client bound to the provided endpoint.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	c := &Client{
		baseURL: trimmed,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// BuildTransaction asks the engine to produce an unsigned transaction for
// the given action payload. Build never has side effects on the ledger.
func (c *Client) BuildTransaction(ctx context.Context, req *BuildRequest) (string, error) {
	if req == nil {
		return "", errors.New("ledger: nil build request")
	}
	var result buildResult
	if err := c.call(ctx, "escrow_buildTransaction", []interface{}{req}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.UnsignedTransaction) == "" {
		return "", errors.New("ledger: engine returned no unsigned transaction")
	}
	return result.UnsignedTransaction, nil
}

// Submit broadcasts a signed transaction. Broadcast is the only phase with
// an irreversible external effect.
func (c *Client) Submit(ctx context.Context, signedXDR string) (*SubmitResult, error) {
	if strings.TrimSpace(signedXDR) == "" {
		return nil, errors.New("ledger: signed transaction required")
	}
	var result SubmitResult
	if err := c.call(ctx, "escrow_submit", []interface{}{map[string]string{"signedXdr": signedXDR}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryByRole lists escrows where the query address occupies the given role
// slot.
func (c *Client) QueryByRole(ctx context.Context, q *QueryRequest) ([]EscrowRecord, error) {
	return c.query(ctx, "escrow_queryByRole", q)
}

// QueryBySigner lists escrows the query address has funded.
func (c *Client) QueryBySigner(ctx context.Context, q *QueryRequest) ([]EscrowRecord, error) {
	return c.query(ctx, "escrow_queryBySigner", q)
}

func (c *Client) query(ctx context.Context, method string, q *QueryRequest) ([]EscrowRecord, error) {
	if q == nil {
		return nil, errors.New("ledger: nil query request")
	}
	var result []EscrowRecord
	if err := c.call(ctx, method, []interface{}{q}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("engine rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("engine rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
