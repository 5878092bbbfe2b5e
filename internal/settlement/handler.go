package settlement

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
	"github.com/mbd888/devolt/internal/logging"
	"github.com/mbd888/devolt/internal/traces"
	"github.com/mbd888/devolt/internal/validation"
)

// Handler serves the settlement JSON-RPC protocol over a ledger.
type Handler struct {
	ledger ledger.Ledger
	token  string
	logger *slog.Logger
}

// NewHandler creates a JSON-RPC handler. A non-empty token is required as
// a bearer token on every request.
func NewHandler(l ledger.Ledger, token string, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, token: token, logger: logger}
}

// RegisterRoutes mounts the JSON-RPC endpoint.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/rpc", h.Serve)
}

// Serve handles one JSON-RPC request. Protocol-level failures are reported
// in the JSON-RPC error object with HTTP 200; only authentication failures
// use an HTTP status.
func (h *Handler) Serve(c *gin.Context) {
	if h.token != "" {
		want := []byte("Bearer " + h.token)
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("Authorization")), want) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid bearer token",
			})
			return
		}
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respond(c, "", nil, nil, &RPCError{Code: CodeParseError, Message: "Parse error"})
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respond(c, "", nil, nil, &RPCError{Code: CodeParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		h.respond(c, req.Method, req.ID, nil, &RPCError{Code: CodeInvalidRequest, Message: "Invalid request"})
		return
	}

	start := time.Now()
	ctx, span := traces.StartSpan(c.Request.Context(), "settlement.rpc", traces.RPCMethod(req.Method))
	result, err := h.dispatch(ctx, req.Method, req.Params)
	traces.End(span, err)
	rpcDuration.WithLabelValues(methodLabel(req.Method)).Observe(time.Since(start).Seconds())

	if err != nil {
		rpcErr := errorFor(err)
		if rpcErr.Code == CodeInternal {
			h.logger.Error("settlement rpc failed",
				"request_id", logging.RequestID(ctx), "method", req.Method, "error", err)
		} else {
			h.logger.Info("settlement rpc rejected",
				"request_id", logging.RequestID(ctx), "method", req.Method, "code", rpcErr.Code, "error", err)
		}
		h.respond(c, req.Method, req.ID, nil, rpcErr)
		return
	}
	h.respond(c, req.Method, req.ID, result, nil)
}

func (h *Handler) dispatch(ctx context.Context, method string, raw json.RawMessage) (*TxResult, error) {
	switch method {
	case MethodSellEnergy:
		var p SellParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if errs := validation.Validate(
			validation.Required("maker", p.Maker),
			validation.ValidAddress("maker", p.Maker),
			validation.Positive("usdcAmount", p.USDCAmount),
		); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParams, errs.Error())
		}
		rec, err := h.ledger.Sell(ctx, ledger.SellRequest{Maker: p.Maker, Seed: p.Seed, QuoteAmount: p.USDCAmount})
		if err != nil {
			return nil, err
		}
		return &TxResult{TransactionID: rec.TxRef, EscrowID: rec.ID, Outcome: string(rec.State)}, nil

	case MethodBuyEnergy:
		var p BuyParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if errs := validation.Validate(
			validation.Required("maker", p.Maker),
			validation.ValidAddress("maker", p.Maker),
			validation.AtLeast("energyAmount", p.EnergyAmount, escrow.EnergyPerQuote),
		); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParams, errs.Error())
		}
		rec, err := h.ledger.Buy(ctx, ledger.BuyRequest{Maker: p.Maker, Seed: p.Seed, EnergyUnits: p.EnergyAmount})
		if err != nil {
			return nil, err
		}
		return &TxResult{TransactionID: rec.TxRef, EscrowID: rec.ID, Outcome: string(rec.State)}, nil

	case MethodConfirmSelling, MethodConfirmBuying:
		var p ConfirmParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if errs := validation.Validate(
			validation.Required("escrowPublicKey", p.EscrowPublicKey),
			validation.ValidEscrowID("escrowPublicKey", p.EscrowPublicKey),
		); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParams, errs.Error())
		}
		settle := h.ledger.SettleSell
		if method == MethodConfirmBuying {
			settle = h.ledger.SettleBuy
		}
		s, err := settle(logging.WithEscrow(ctx, p.EscrowPublicKey, string(kindOf(method))), p.EscrowPublicKey)
		if err != nil {
			return nil, err
		}
		return &TxResult{TransactionID: s.TxRef, EscrowID: s.EscrowID, Outcome: string(s.Outcome)}, nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method %s not found", method)}
}

func (h *Handler) respond(c *gin.Context, method string, id json.RawMessage, result *TxResult, rpcErr *RPCError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: "Internal error"}
			code = CodeInternal
		} else {
			resp.Result = raw
		}
	}
	rpcRequests.WithLabelValues(methodLabel(method), strconv.Itoa(code)).Inc()
	c.JSON(http.StatusOK, resp)
}

// decodeParams accepts either a params object or a one-element array
// wrapping it.
func decodeParams(raw json.RawMessage, out interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", ErrInvalidParams)
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return fmt.Errorf("%w: expected a single params object", ErrInvalidParams)
		}
		raw = arr[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func kindOf(method string) escrow.Kind {
	if method == MethodConfirmBuying {
		return escrow.KindBuy
	}
	return escrow.KindSell
}
