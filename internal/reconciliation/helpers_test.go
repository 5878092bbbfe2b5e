package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/settlement"
)

const (
	testOperator = "0x00000000000000000000000000000000000000aa"
	testMaker    = "0x00000000000000000000000000000000000000bb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pending(id string, kind escrow.Kind) *escrow.Record {
	return &escrow.Record{ID: id, Kind: kind, State: escrow.StatePending, CreatedAt: time.Now()}
}

// funcClient adapts a function to settlement.Client and counts calls.
type funcClient struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, id string, kind escrow.Kind) (settlement.Result, error)
}

func newFuncClient(fn func(ctx context.Context, id string, kind escrow.Kind) (settlement.Result, error)) *funcClient {
	return &funcClient{calls: make(map[string]int), fn: fn}
}

func (c *funcClient) Settle(ctx context.Context, id string, kind escrow.Kind) (settlement.Result, error) {
	c.mu.Lock()
	c.calls[id]++
	c.mu.Unlock()
	return c.fn(ctx, id, kind)
}

func (c *funcClient) Calls(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// stubLister returns a fixed result.
type stubLister struct {
	mu    sync.Mutex
	recs  []*escrow.Record
	err   error
	calls int
}

func (l *stubLister) ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.recs, nil
}

func (l *stubLister) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
