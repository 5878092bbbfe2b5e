package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
)

const (
	testOperator = "0x00000000000000000000000000000000000000aa"
	testMaker    = "0x00000000000000000000000000000000000000bb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *ledger.MemoryLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := ledger.NewMemoryLedger(testOperator)
	r := gin.New()
	NewHandler(l, token, testLogger()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, l
}

func postRaw(t *testing.T, url, body string) jsonRPCResponse {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHandler_SellThenConfirmOverRPC(t *testing.T) {
	srv, l := newTestServer(t, "")
	ctx := context.Background()
	if _, err := l.Deposit(ctx, ledger.AccountID(testOperator, ledger.TokenQuote), 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	client := NewRPCClient(srv.URL+"/rpc", "", 0)
	opened, err := client.SellEnergy(ctx, SellParams{Maker: testMaker, Seed: 42, USDCAmount: 500})
	if err != nil {
		t.Fatalf("sell_energy: %v", err)
	}
	if opened.EscrowID != escrow.DeriveID(testMaker, 42) || opened.Outcome != "pending" {
		t.Fatalf("unexpected sell result: %+v", opened)
	}

	res, err := client.Settle(ctx, opened.EscrowID, escrow.KindSell)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != escrow.StateConfirmed || res.TxRef == "" {
		t.Fatalf("unexpected settle result: %+v", res)
	}

	// A terminal escrow reports invalid state across the wire.
	_, err = client.Settle(ctx, opened.EscrowID, escrow.KindSell)
	if !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidState {
		t.Fatalf("expected code %d, got %v", CodeInvalidState, err)
	}
}

func TestHandler_BuyRefundOverRPC(t *testing.T) {
	srv, l := newTestServer(t, "")
	ctx := context.Background()
	makerQuote := ledger.AccountID(testMaker, ledger.TokenQuote)
	if _, err := l.Deposit(ctx, makerQuote, 3); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	client := NewRPCClient(srv.URL+"/rpc", "", 0)
	opened, err := client.BuyEnergy(ctx, BuyParams{Maker: testMaker, Seed: 1, EnergyAmount: 300})
	if err != nil {
		t.Fatalf("buy_energy: %v", err)
	}
	if bal, _ := l.Balance(ctx, makerQuote); bal != 0 {
		t.Fatalf("maker funds not locked: %d", bal)
	}

	res, err := client.Settle(ctx, opened.EscrowID, escrow.KindBuy)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != escrow.StateRefunded {
		t.Fatalf("expected refunded, got %s", res.Outcome)
	}
	if bal, _ := l.Balance(ctx, makerQuote); bal != 3 {
		t.Fatalf("maker not refunded: %d", bal)
	}
}

func TestHandler_BuyInsufficientFunds(t *testing.T) {
	srv, _ := newTestServer(t, "")
	client := NewRPCClient(srv.URL+"/rpc", "", 0)

	_, err := client.BuyEnergy(context.Background(), BuyParams{Maker: testMaker, Seed: 1, EnergyAmount: 300})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestHandler_ProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")
	url := srv.URL + "/rpc"
	validID := escrow.DeriveID(testMaker, 1)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse", `{not json`, CodeParseError},
		{"version", `{"jsonrpc":"1.0","method":"confirm_selling","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"mint_everything","params":{},"id":1}`, CodeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"confirm_selling","id":1}`, CodeInvalidParams},
		{"bad escrow id", `{"jsonrpc":"2.0","method":"confirm_selling","params":{"escrowPublicKey":"nope"},"id":1}`, CodeInvalidParams},
		{"unknown field", `{"jsonrpc":"2.0","method":"confirm_selling","params":{"escrow":"x"},"id":1}`, CodeInvalidParams},
		{"bad maker", `{"jsonrpc":"2.0","method":"sell_energy","params":{"maker":"bob","seed":1,"usdcAmount":5},"id":1}`, CodeInvalidParams},
		{"zero amount", `{"jsonrpc":"2.0","method":"sell_energy","params":{"maker":"` + testMaker + `","seed":1,"usdcAmount":0},"id":1}`, CodeInvalidParams},
		{"dust energy", `{"jsonrpc":"2.0","method":"buy_energy","params":{"maker":"` + testMaker + `","seed":1,"energyAmount":99},"id":1}`, CodeInvalidParams},
		{"not found", `{"jsonrpc":"2.0","method":"confirm_buying","params":[{"escrowPublicKey":"` + validID + `"}],"id":"abc"}`, CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postRaw(t, url, tc.body)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %s", string(resp.Result))
			}
			if resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %d (%s)", tc.code, resp.Error.Code, resp.Error.Message)
			}
		})
	}
}

func TestHandler_EchoesStringID(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := postRaw(t, srv.URL+"/rpc", `{"jsonrpc":"2.0","method":"nope","id":"req-7"}`)
	if string(resp.ID) != `"req-7"` {
		t.Fatalf("expected string id echoed, got %s", string(resp.ID))
	}
	resp = postRaw(t, srv.URL+"/rpc", `garbage`)
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id on parse error, got %s", string(resp.ID))
	}
}

func TestHandler_BearerToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	resp, err := http.Post(srv.URL+"/rpc", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	client := NewRPCClient(srv.URL+"/rpc", "s3cret", 0)
	_, err = client.Settle(context.Background(), escrow.DeriveID(testMaker, 1), escrow.KindSell)
	if !errors.Is(err, escrow.ErrEscrowNotFound) {
		t.Fatalf("expected authenticated call to reach the ledger, got %v", err)
	}

	wrong := NewRPCClient(srv.URL+"/rpc", "guess", 0)
	if _, err := wrong.Settle(context.Background(), escrow.DeriveID(testMaker, 1), escrow.KindSell); err == nil {
		t.Fatal("expected wrong token to fail")
	}
}
