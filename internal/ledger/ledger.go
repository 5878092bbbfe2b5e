// Package ledger is the authoritative store of escrow records and token
// balances. Settlement operations are atomic: either every balance move and
// the state write commit together, or none of them do.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/idgen"
)

var (
	ErrMakerRequired  = errors.New("maker is required")
	ErrInvalidAccount = errors.New("invalid account")
	// ErrCredentials means the backing store rejected our credentials;
	// retrying cannot succeed.
	ErrCredentials = errors.New("ledger rejected credentials")
)

// Token symbols held in ledger accounts.
const (
	TokenQuote  = "usdc"
	TokenEnergy = "volt"
)

// AccountID returns the account that holds token for owner.
func AccountID(owner, token string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + ":" + token
}

// HoldingAccountID returns the account holding a Buy escrow's quote funds.
func HoldingAccountID(escrowID string) string {
	return "escrow/" + escrowID + ":" + TokenQuote
}

// Settlement is the committed result of a settlement operation.
// Outcome is escrow.StateConfirmed or escrow.StateRefunded; a refund is a
// successful result, never an error, so its compensating moves persist.
type Settlement struct {
	EscrowID  string       `json:"escrowId"`
	Kind      escrow.Kind  `json:"kind"`
	Outcome   escrow.State `json:"outcome"`
	TxRef     string       `json:"txRef"`
	SettledAt time.Time    `json:"settledAt"`
}

// EntryOp is the kind of balance movement recorded in the journal.
type EntryOp string

const (
	OpDebit  EntryOp = "debit"
	OpCredit EntryOp = "credit"
	OpMint   EntryOp = "mint"
	OpBurn   EntryOp = "burn"
)

// Entry is one journal line. Every balance change is recorded as an entry
// tagged with the transaction reference that produced it.
type Entry struct {
	ID        string    `json:"id"`
	TxRef     string    `json:"txRef"`
	EscrowID  string    `json:"escrowId,omitempty"`
	Account   string    `json:"account"`
	Op        EntryOp   `json:"op"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// SellRequest opens a Sell escrow: the maker delivers energy and is paid
// QuoteAmount by the operator on confirmation.
type SellRequest struct {
	Maker       string `json:"maker"`
	Seed        uint64 `json:"seed"`
	QuoteAmount uint64 `json:"usdcAmount"`
}

// BuyRequest opens a Buy escrow: the maker's quote funds move into the
// escrow holding account until the operator can deliver EnergyUnits.
type BuyRequest struct {
	Maker       string `json:"maker"`
	Seed        uint64 `json:"seed"`
	EnergyUnits uint64 `json:"energyAmount"`
}

// Ledger is implemented by MemoryLedger and PostgresLedger.
type Ledger interface {
	ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Record, error)
	GetEscrow(ctx context.Context, id string) (*escrow.Record, error)
	Sell(ctx context.Context, req SellRequest) (*escrow.Record, error)
	Buy(ctx context.Context, req BuyRequest) (*escrow.Record, error)
	SettleSell(ctx context.Context, id string) (*Settlement, error)
	SettleBuy(ctx context.Context, id string) (*Settlement, error)
	Deposit(ctx context.Context, account string, amount uint64) (string, error)
	Balance(ctx context.Context, account string) (uint64, error)
	Journal(ctx context.Context, txRef string) ([]*Entry, error)
}

type moveKind int

const (
	moveTransfer moveKind = iota
	moveMint
	moveBurn
)

// move is a single planned balance change.
type move struct {
	kind   moveKind
	from   string
	to     string
	amount uint64
}

// entries expands a move into the journal lines it produces.
func (m move) entries(txRef, escrowID string, now time.Time) []*Entry {
	entry := func(account string, op EntryOp) *Entry {
		return &Entry{
			ID:        idgen.WithPrefix("ent_"),
			TxRef:     txRef,
			EscrowID:  escrowID,
			Account:   account,
			Op:        op,
			Amount:    m.amount,
			CreatedAt: now,
		}
	}
	switch m.kind {
	case moveMint:
		return []*Entry{entry(m.to, OpMint)}
	case moveBurn:
		return []*Entry{entry(m.from, OpBurn)}
	default:
		return []*Entry{entry(m.from, OpDebit), entry(m.to, OpCredit)}
	}
}

// liquidityAccount is the operator account whose balance gates confirmation.
func liquidityAccount(rec *escrow.Record) string {
	if rec.Kind == escrow.KindBuy {
		return rec.OperatorEnergyAccount
	}
	return rec.OperatorQuoteAccount
}

// planSettlement decides the outcome of settling rec given the operator's
// current liquidity, and returns the moves that outcome requires.
func planSettlement(rec *escrow.Record, kind escrow.Kind, liquidity uint64) (escrow.State, []move, error) {
	if rec.State != escrow.StatePending {
		return "", nil, fmt.Errorf("%w: escrow %s is %s", escrow.ErrInvalidState, rec.ID, rec.State)
	}
	if rec.Kind != kind {
		return "", nil, fmt.Errorf("%w: escrow %s is %s, not %s", escrow.ErrInvalidKind, rec.ID, rec.Kind, kind)
	}

	switch kind {
	case escrow.KindSell:
		if liquidity < rec.QuoteAmount {
			// Nothing was locked at initiation, so a sell refund moves nothing.
			return escrow.StateRefunded, nil, nil
		}
		return escrow.StateConfirmed, []move{
			{kind: moveTransfer, from: rec.OperatorQuoteAccount, to: rec.MakerQuoteAccount, amount: rec.QuoteAmount},
			{kind: moveMint, to: rec.OperatorEnergyAccount, amount: rec.EnergyUnits},
		}, nil
	case escrow.KindBuy:
		if liquidity < rec.EnergyUnits {
			return escrow.StateRefunded, []move{
				{kind: moveTransfer, from: rec.HoldingAccount, to: rec.MakerQuoteAccount, amount: rec.QuoteAmount},
			}, nil
		}
		return escrow.StateConfirmed, []move{
			{kind: moveBurn, from: rec.OperatorEnergyAccount, amount: rec.EnergyUnits},
			{kind: moveTransfer, from: rec.HoldingAccount, to: rec.OperatorQuoteAccount, amount: rec.QuoteAmount},
		}, nil
	}
	return "", nil, escrow.ErrInvalidKind
}

// newSellRecord builds the pending record for a Sell request.
func newSellRecord(req SellRequest, operator string, now time.Time) (*escrow.Record, error) {
	maker := strings.ToLower(strings.TrimSpace(req.Maker))
	if maker == "" {
		return nil, ErrMakerRequired
	}
	if req.QuoteAmount == 0 {
		return nil, fmt.Errorf("%w: quote amount must be positive", escrow.ErrInvalidAmount)
	}
	energy, err := escrow.EnergyForQuote(req.QuoteAmount)
	if err != nil {
		return nil, err
	}
	return &escrow.Record{
		ID:                    escrow.DeriveID(maker, req.Seed),
		Seed:                  req.Seed,
		Kind:                  escrow.KindSell,
		State:                 escrow.StatePending,
		EnergyUnits:           energy,
		QuoteAmount:           req.QuoteAmount,
		Maker:                 maker,
		Operator:              operator,
		MakerQuoteAccount:     AccountID(maker, TokenQuote),
		OperatorQuoteAccount:  AccountID(operator, TokenQuote),
		OperatorEnergyAccount: AccountID(operator, TokenEnergy),
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// newBuyRecord builds the pending record for a Buy request.
func newBuyRecord(req BuyRequest, operator string, now time.Time) (*escrow.Record, error) {
	maker := strings.ToLower(strings.TrimSpace(req.Maker))
	if maker == "" {
		return nil, ErrMakerRequired
	}
	quote := escrow.QuoteForEnergy(req.EnergyUnits)
	if req.EnergyUnits == 0 || quote == 0 {
		return nil, fmt.Errorf("%w: energy amount must be at least %d", escrow.ErrInvalidAmount, escrow.EnergyPerQuote)
	}
	id := escrow.DeriveID(maker, req.Seed)
	return &escrow.Record{
		ID:                    id,
		Seed:                  req.Seed,
		Kind:                  escrow.KindBuy,
		State:                 escrow.StatePending,
		EnergyUnits:           req.EnergyUnits,
		QuoteAmount:           quote,
		Maker:                 maker,
		Operator:              operator,
		MakerQuoteAccount:     AccountID(maker, TokenQuote),
		OperatorQuoteAccount:  AccountID(operator, TokenQuote),
		OperatorEnergyAccount: AccountID(operator, TokenEnergy),
		HoldingAccount:        HoldingAccountID(id),
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}
