package settlement

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

	"github.com/mbd888/devolt/internal/escrow"
)

// DefaultTimeout matches the settlement service's worst-case confirmation time.
const DefaultTimeout = 120 * time.Second

// RPCClient calls a settlement JSON-RPC service over HTTP.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient creates a client for the service at baseURL. A zero timeout
// uses DefaultTimeout.
func NewRPCClient(baseURL, authToken string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Settle asks the service to confirm escrow id.
func (c *RPCClient) Settle(ctx context.Context, id string, kind escrow.Kind) (Result, error) {
	method, err := ConfirmMethod(kind)
	if err != nil {
		return Result{}, err
	}
	var out TxResult
	if err := c.call(ctx, method, ConfirmParams{EscrowPublicKey: id}, &out); err != nil {
		return Result{}, err
	}
	outcome, err := escrow.ParseState(out.Outcome)
	if err != nil || !outcome.Terminal() {
		return Result{}, fmt.Errorf("settlement rpc %s: unexpected outcome %q", method, out.Outcome)
	}
	escrowID := out.EscrowID
	if escrowID == "" {
		escrowID = id
	}
	return Result{EscrowID: escrowID, Outcome: outcome, TxRef: out.TransactionID}, nil
}

// SellEnergy opens a Sell escrow on the service.
func (c *RPCClient) SellEnergy(ctx context.Context, p SellParams) (*TxResult, error) {
	var out TxResult
	if err := c.call(ctx, MethodSellEnergy, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuyEnergy opens a Buy escrow on the service.
func (c *RPCClient) BuyEnergy(ctx context.Context, p BuyParams) (*TxResult, error) {
	var out TxResult
	if err := c.call(ctx, MethodBuyEnergy, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("settlement rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("settlement rpc %s: %w (status=%d)", method, ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("settlement rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("settlement rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("settlement rpc %s: %w", method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("settlement rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ Client = (*RPCClient)(nil)
