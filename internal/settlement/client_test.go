package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbd888/devolt/internal/circuitbreaker"
	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
)

func TestRPCClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client := NewRPCClient(srv.URL, "", 50*time.Millisecond)
	_, err := client.Settle(context.Background(), "esc_x", escrow.KindSell)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.Is(err, escrow.ErrInvalidState) {
		t.Fatal("timeout must not look like a terminal escrow")
	}
}

func TestRPCClient_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL, "", 0).Settle(context.Background(), "esc_x", escrow.KindBuy)
	if err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestRPCClient_RejectsPendingOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"transactionId":"tx","escrowId":"esc_x","outcome":"pending"}}`)
	}))
	defer srv.Close()

	if _, err := NewRPCClient(srv.URL, "", 0).Settle(context.Background(), "esc_x", escrow.KindSell); err == nil {
		t.Fatal("expected error for non-terminal outcome")
	}
}

func TestRPCClient_InvalidKind(t *testing.T) {
	_, err := NewRPCClient("http://127.0.0.1:0", "", 0).Settle(context.Background(), "esc_x", escrow.Kind("swap"))
	if !errors.Is(err, escrow.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestLocalClient_RoutesByKind(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(testOperator)
	_, _ = l.Deposit(ctx, ledger.AccountID(testOperator, ledger.TokenEnergy), 1000)
	_, _ = l.Deposit(ctx, ledger.AccountID(testMaker, ledger.TokenQuote), 10)

	rec, err := l.Buy(ctx, ledger.BuyRequest{Maker: testMaker, Seed: 5, EnergyUnits: 1000})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	c := NewLocalClient(l)
	if _, err := c.Settle(ctx, rec.ID, escrow.KindSell); !errors.Is(err, escrow.ErrInvalidKind) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
	res, err := c.Settle(ctx, rec.ID, escrow.KindBuy)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != escrow.StateConfirmed || res.EscrowID != rec.ID {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Settle(ctx context.Context, id string, kind escrow.Kind) (Result, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Result{}, s.errs[i]
	}
	return Result{EscrowID: id, Outcome: escrow.StateConfirmed, TxRef: "tx"}, nil
}

func TestBreakerClient_OpensOnTransportFailures(t *testing.T) {
	boom := errors.New("connection refused")
	inner := &scriptedClient{errs: []error{boom, boom}}
	c := NewBreakerClient(inner, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	_, _ = c.Settle(ctx, "a", escrow.KindSell)
	_, _ = c.Settle(ctx, "a", escrow.KindSell)

	if _, err := c.Settle(ctx, "a", escrow.KindSell); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not call through, calls=%d", inner.calls)
	}

	// The other method has its own circuit.
	if _, err := c.Settle(ctx, "b", escrow.KindBuy); err != nil {
		t.Fatalf("buy circuit should be closed: %v", err)
	}
	if c.States()[MethodConfirmSelling] != "open" {
		t.Fatalf("unexpected states: %v", c.States())
	}
}

func TestBreakerClient_DomainErrorsDoNotTrip(t *testing.T) {
	inner := &scriptedClient{errs: []error{escrow.ErrInvalidState, escrow.ErrInvalidState, escrow.ErrEscrowNotFound}}
	c := NewBreakerClient(inner, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = c.Settle(ctx, "a", escrow.KindSell)
	}
	if _, err := c.Settle(ctx, "a", escrow.KindSell); err != nil {
		t.Fatalf("expected breaker closed after domain errors, got %v", err)
	}
}

func TestRPCClient_RejectedToken(t *testing.T) {
	srv, l := newTestServer(t, "right")
	rec, err := l.Sell(context.Background(), ledger.SellRequest{Maker: testMaker, Seed: 9, QuoteAmount: 1})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	client := NewRPCClient(srv.URL+"/rpc", "wrong", time.Second)
	_, err = client.Settle(context.Background(), rec.ID, escrow.KindSell)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ledger.ErrCredentials) {
		t.Fatalf("expected credentials error, got %v", err)
	}

	got, _ := l.GetEscrow(context.Background(), rec.ID)
	if got.State != escrow.StatePending {
		t.Fatalf("rejected call must not settle, state=%s", got.State)
	}
}

func TestRPCClient_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL, "tok", time.Second).Settle(context.Background(), "esc_x", escrow.KindBuy)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestBreakerClient_CredentialErrorsDoNotTrip(t *testing.T) {
	inner := &scriptedClient{errs: []error{ErrUnauthorized, ErrUnauthorized, ErrUnauthorized}}
	c := NewBreakerClient(inner, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Settle(ctx, "a", escrow.KindSell); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("call %d: expected ErrUnauthorized passed through, got %v", i, err)
		}
	}
	if c.States()[MethodConfirmSelling] == "open" {
		t.Fatalf("credential rejections must not open the circuit: %v", c.States())
	}
}
