package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/idgen"
)

// MemoryLedger is an in-memory ledger for demo/development mode and tests.
// A single mutex serializes every operation, which makes each settlement
// trivially atomic.
type MemoryLedger struct {
	operator string
	escrows  map[string]*escrow.Record
	balances map[string]uint64
	journal  map[string][]*Entry // txRef -> entries
	nowFn    func() time.Time
	mu       sync.RWMutex
}

// NewMemoryLedger creates an empty in-memory ledger operated by operator.
func NewMemoryLedger(operator string) *MemoryLedger {
	return &MemoryLedger{
		operator: strings.ToLower(operator),
		escrows:  make(map[string]*escrow.Record),
		balances: make(map[string]uint64),
		journal:  make(map[string][]*Entry),
		nowFn:    time.Now,
	}
}

// Operator returns the operator address escrows are opened against.
func (m *MemoryLedger) Operator() string {
	return m.operator
}

func (m *MemoryLedger) ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*escrow.Record, 0)
	for _, rec := range m.escrows {
		if !filter.Match(rec) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryLedger) GetEscrow(ctx context.Context, id string) (*escrow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryLedger) Sell(ctx context.Context, req SellRequest) (*escrow.Record, error) {
	done := observeOp("sell")
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := newSellRecord(req, m.operator, m.nowFn())
	if err != nil {
		return nil, err
	}
	if _, exists := m.escrows[rec.ID]; exists {
		return nil, escrow.ErrEscrowExists
	}
	rec.TxRef = idgen.WithPrefix("tx_")
	m.escrows[rec.ID] = rec
	escrowsOpened.WithLabelValues(string(rec.Kind)).Inc()

	cp := *rec
	return &cp, nil
}

func (m *MemoryLedger) Buy(ctx context.Context, req BuyRequest) (*escrow.Record, error) {
	done := observeOp("buy")
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	rec, err := newBuyRecord(req, m.operator, now)
	if err != nil {
		return nil, err
	}
	if _, exists := m.escrows[rec.ID]; exists {
		return nil, escrow.ErrEscrowExists
	}

	lock := move{kind: moveTransfer, from: rec.MakerQuoteAccount, to: rec.HoldingAccount, amount: rec.QuoteAmount}
	txRef := idgen.WithPrefix("tx_")
	if err := m.applyLocked([]move{lock}, txRef, rec.ID, now); err != nil {
		return nil, err
	}
	rec.TxRef = txRef
	m.escrows[rec.ID] = rec
	escrowsOpened.WithLabelValues(string(rec.Kind)).Inc()

	cp := *rec
	return &cp, nil
}

func (m *MemoryLedger) SettleSell(ctx context.Context, id string) (*Settlement, error) {
	return m.settle(ctx, id, escrow.KindSell)
}

func (m *MemoryLedger) SettleBuy(ctx context.Context, id string) (*Settlement, error) {
	return m.settle(ctx, id, escrow.KindBuy)
}

func (m *MemoryLedger) settle(ctx context.Context, id string, kind escrow.Kind) (*Settlement, error) {
	done := observeOp("settle_" + string(kind))
	defer done()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}

	outcome, moves, err := planSettlement(rec, kind, m.balances[liquidityAccount(rec)])
	if err != nil {
		return nil, err
	}

	now := m.nowFn()
	txRef := idgen.WithPrefix("tx_")
	if err := m.applyLocked(moves, txRef, rec.ID, now); err != nil {
		return nil, fmt.Errorf("apply settlement for %s: %w", rec.ID, err)
	}

	rec.State = outcome
	rec.TxRef = txRef
	rec.UpdatedAt = now
	rec.SettledAt = &now
	escrowsSettled.WithLabelValues(string(kind), string(outcome)).Inc()

	return &Settlement{
		EscrowID:  rec.ID,
		Kind:      kind,
		Outcome:   outcome,
		TxRef:     txRef,
		SettledAt: now,
	}, nil
}

func (m *MemoryLedger) Deposit(ctx context.Context, account string, amount uint64) (string, error) {
	done := observeOp("deposit")
	defer done()

	if !validAccount(account) {
		return "", ErrInvalidAccount
	}
	if amount == 0 {
		return "", fmt.Errorf("%w: deposit must be positive", escrow.ErrInvalidAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txRef := idgen.WithPrefix("tx_")
	mint := move{kind: moveMint, to: account, amount: amount}
	if err := m.applyLocked([]move{mint}, txRef, "", m.nowFn()); err != nil {
		return "", err
	}
	return txRef, nil
}

func (m *MemoryLedger) Balance(ctx context.Context, account string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

func (m *MemoryLedger) Journal(ctx context.Context, txRef string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.journal[txRef]
	result := make([]*Entry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

// applyLocked stages every move against a copy of the touched balances and
// commits only if all of them succeed. Caller must hold m.mu.
func (m *MemoryLedger) applyLocked(moves []move, txRef, escrowID string, now time.Time) error {
	staged := make(map[string]uint64)
	get := func(account string) uint64 {
		if v, ok := staged[account]; ok {
			return v
		}
		return m.balances[account]
	}

	var entries []*Entry
	for _, mv := range moves {
		if mv.from != "" {
			bal := get(mv.from)
			if bal < mv.amount {
				return fmt.Errorf("%w: %s holds %d, needs %d", escrow.ErrInsufficientFunds, mv.from, bal, mv.amount)
			}
			staged[mv.from] = bal - mv.amount
		}
		if mv.to != "" {
			bal := get(mv.to)
			if bal+mv.amount < bal {
				return fmt.Errorf("%w: credit to %s overflows", escrow.ErrInvalidAmount, mv.to)
			}
			staged[mv.to] = bal + mv.amount
		}
		entries = append(entries, mv.entries(txRef, escrowID, now)...)
	}

	for account, bal := range staged {
		m.balances[account] = bal
	}
	if len(entries) > 0 {
		m.journal[txRef] = append(m.journal[txRef], entries...)
	}
	return nil
}

// validAccount reports whether account has the owner:token shape.
func validAccount(account string) bool {
	owner, token, ok := strings.Cut(account, ":")
	if !ok || owner == "" {
		return false
	}
	return token == TokenQuote || token == TokenEnergy
}

// Compile-time assertion that MemoryLedger implements Ledger.
var _ Ledger = (*MemoryLedger)(nil)
