// Package escrow defines the escrow records that back energy/USDC trades.
//
// Flow:
//  1. A producer sells energy (Sell) or a consumer buys energy (Buy);
//     the ledger records a pending escrow.
//  2. The reconciliation engine notices the pending escrow and asks the
//     settlement service to confirm it.
//  3. The ledger checks the operator's liquidity at confirmation time and
//     moves the escrow to confirmed, or to refunded when liquidity is short.
//
// Confirmed and refunded are terminal; nothing re-enters pending.
package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrEscrowExists      = errors.New("escrow already exists")
	ErrInvalidState      = errors.New("invalid escrow state for this operation")
	ErrInvalidKind       = errors.New("invalid transaction kind")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Kind is the direction of the trade from the maker's point of view.
type Kind string

const (
	KindBuy  Kind = "buy"  // Maker buys energy, quote funds held in escrow
	KindSell Kind = "sell" // Maker sells energy, paid by the operator on confirmation
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindBuy || k == KindSell
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// State represents the settlement state of an escrow.
type State string

const (
	StatePending   State = "pending"   // Awaiting confirmation
	StateConfirmed State = "confirmed" // Settled, funds and tokens moved
	StateRefunded  State = "refunded"  // Liquidity was short, maker made whole
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateConfirmed, StateRefunded:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRefunded
}

// ParseState parses a state name case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid escrow state %q", s)
	}
	return st, nil
}

// EnergyPerQuote is the fixed number of energy units traded per quote unit.
const EnergyPerQuote = 100

// EnergyForQuote converts a quote amount to energy units.
func EnergyForQuote(quote uint64) (uint64, error) {
	if quote > ^uint64(0)/EnergyPerQuote {
		return 0, fmt.Errorf("%w: quote amount %d overflows energy units", ErrInvalidAmount, quote)
	}
	return quote * EnergyPerQuote, nil
}

// QuoteForEnergy converts energy units to a quote amount, rounding down.
func QuoteForEnergy(energy uint64) uint64 {
	return energy / EnergyPerQuote
}

// Record is a single escrow as held by the ledger.
type Record struct {
	ID                    string     `json:"id"`
	Seed                  uint64     `json:"seed"`
	Kind                  Kind       `json:"kind"`
	State                 State      `json:"state"`
	EnergyUnits           uint64     `json:"energyUnits"`
	QuoteAmount           uint64     `json:"quoteAmount"`
	Maker                 string     `json:"maker"`
	Operator              string     `json:"operator"`
	MakerQuoteAccount     string     `json:"makerQuoteAccount"`
	OperatorQuoteAccount  string     `json:"operatorQuoteAccount"`
	OperatorEnergyAccount string     `json:"operatorEnergyAccount"`
	HoldingAccount        string     `json:"holdingAccount,omitempty"`
	TxRef                 string     `json:"txRef,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	SettledAt             *time.Time `json:"settledAt,omitempty"`
}

// IsPending returns true if the escrow still awaits settlement.
func (r *Record) IsPending() bool {
	return r.State == StatePending
}

// IsTerminal returns true if the escrow is in a final state.
func (r *Record) IsTerminal() bool {
	return r.State.Terminal()
}

// Filter selects escrows when listing. Zero fields match everything.
type Filter struct {
	State State
	Kind  Kind
	Maker string
	Limit int
}

// Match reports whether r satisfies the filter (Limit is ignored).
func (f Filter) Match(r *Record) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Maker != "" && !strings.EqualFold(r.Maker, f.Maker) {
		return false
	}
	return true
}

// DeriveID computes the escrow identifier from the maker and seed, so the
// same (maker, seed) pair always addresses the same escrow.
func DeriveID(maker string, seed uint64) string {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)
	h := crypto.Keccak256([]byte("devolt"), []byte(strings.ToLower(maker)), seedBytes[:])
	return "esc_" + hex.EncodeToString(h[:20])
}
