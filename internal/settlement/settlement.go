// Package settlement connects the reconciler to whatever executes escrow
// settlements: a remote JSON-RPC service (RPCClient), the in-process ledger
// (LocalClient), or either behind a circuit breaker (BreakerClient). It
// also serves that JSON-RPC protocol over a ledger (Handler).
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
)

// JSON-RPC method names.
const (
	MethodSellEnergy     = "sell_energy"
	MethodBuyEnergy      = "buy_energy"
	MethodConfirmSelling = "confirm_selling"
	MethodConfirmBuying  = "confirm_buying"
)

// JSON-RPC error codes. The -320xx range carries domain failures so
// callers can tell a terminal escrow from a broken service.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeInvalidState      = -32001
	CodeNotFound          = -32002
	CodeInsufficientFunds = -32003
	CodeEscrowExists      = -32004
)

var (
	ErrInvalidParams = errors.New("invalid params")
	// ErrUnauthorized means the settlement service rejected our bearer
	// token. It wraps ledger.ErrCredentials so the reconciler treats it
	// as fatal.
	ErrUnauthorized = fmt.Errorf("settlement service rejected credentials: %w", ledger.ErrCredentials)
)

// Result is the successful outcome of a settlement call. Outcome is
// escrow.StateConfirmed or escrow.StateRefunded.
type Result struct {
	EscrowID string
	Outcome  escrow.State
	TxRef    string
}

// Client settles a single escrow. Implementations must tolerate repeated
// calls for the same escrow; a call on a terminal escrow fails with an
// error wrapping escrow.ErrInvalidState.
type Client interface {
	Settle(ctx context.Context, id string, kind escrow.Kind) (Result, error)
}

// ConfirmMethod returns the RPC method that settles escrows of kind.
func ConfirmMethod(kind escrow.Kind) (string, error) {
	switch kind {
	case escrow.KindSell:
		return MethodConfirmSelling, nil
	case escrow.KindBuy:
		return MethodConfirmBuying, nil
	}
	return "", fmt.Errorf("%w: %q", escrow.ErrInvalidKind, kind)
}

// ConfirmParams addresses the escrow to settle.
type ConfirmParams struct {
	EscrowPublicKey string `json:"escrowPublicKey"`
}

// SellParams opens a Sell escrow.
type SellParams struct {
	Maker      string `json:"maker"`
	Seed       uint64 `json:"seed"`
	USDCAmount uint64 `json:"usdcAmount"`
}

// BuyParams opens a Buy escrow.
type BuyParams struct {
	Maker        string `json:"maker"`
	Seed         uint64 `json:"seed"`
	EnergyAmount uint64 `json:"energyAmount"`
}

// TxResult is the JSON-RPC result of every method.
type TxResult struct {
	TransactionID string `json:"transactionId"`
	EscrowID      string `json:"escrowId"`
	Outcome       string `json:"outcome,omitempty"`
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It unwraps to the domain sentinel
// its code stands for, so errors.Is works across the wire.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	switch e.Code {
	case CodeInvalidState:
		return escrow.ErrInvalidState
	case CodeNotFound:
		return escrow.ErrEscrowNotFound
	case CodeInsufficientFunds:
		return escrow.ErrInsufficientFunds
	case CodeEscrowExists:
		return escrow.ErrEscrowExists
	case CodeInvalidParams:
		return ErrInvalidParams
	}
	return nil
}

// errorFor maps a ledger error to the JSON-RPC error returned to callers.
func errorFor(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, escrow.ErrInvalidState):
		return &RPCError{Code: CodeInvalidState, Message: err.Error()}
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return &RPCError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return &RPCError{Code: CodeInsufficientFunds, Message: err.Error()}
	case errors.Is(err, escrow.ErrEscrowExists):
		return &RPCError{Code: CodeEscrowExists, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, escrow.ErrInvalidKind),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMakerRequired):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return &RPCError{Code: CodeInternal, Message: "Internal error"}
}

// resultFromSettlement converts a committed ledger settlement.
func resultFromSettlement(s *ledger.Settlement) Result {
	return Result{EscrowID: s.EscrowID, Outcome: s.Outcome, TxRef: s.TxRef}
}
