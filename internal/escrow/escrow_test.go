package escrow

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"buy", "sell"} {
		k, err := ParseKind(s)
		if err != nil || string(k) != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := ParseKind("swap"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"pending", "confirmed", "refunded"} {
		if _, err := ParseState(s); err != nil {
			t.Errorf("ParseState(%q): %v", s, err)
		}
	}
	if _, err := ParseState("expired"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestStateTerminal(t *testing.T) {
	if StatePending.Terminal() {
		t.Error("pending must not be terminal")
	}
	if !StateConfirmed.Terminal() || !StateRefunded.Terminal() {
		t.Error("confirmed and refunded must be terminal")
	}
}

func TestEnergyConversion(t *testing.T) {
	e, err := EnergyForQuote(500)
	if err != nil || e != 50000 {
		t.Fatalf("EnergyForQuote(500) = %d, %v", e, err)
	}
	if _, err := EnergyForQuote(^uint64(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected overflow error, got %v", err)
	}
	if q := QuoteForEnergy(199); q != 1 {
		t.Errorf("QuoteForEnergy(199) = %d, want 1", q)
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID("0xABC", 1)
	if a != DeriveID("0xabc", 1) {
		t.Error("id must not depend on maker case")
	}
	if a == DeriveID("0xabc", 2) {
		t.Error("different seeds must give different ids")
	}
	if a == DeriveID("0xabd", 1) {
		t.Error("different makers must give different ids")
	}
	if !strings.HasPrefix(a, "esc_") || len(a) != len("esc_")+40 {
		t.Errorf("unexpected id shape %s", a)
	}
}

func TestFilterMatch(t *testing.T) {
	rec := &Record{Kind: KindSell, State: StatePending, Maker: "0xabc", CreatedAt: time.Now()}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"state", Filter{State: StatePending}, true},
		{"other state", Filter{State: StateConfirmed}, false},
		{"kind", Filter{Kind: KindBuy}, false},
		{"maker case", Filter{Maker: "0xABC"}, true},
		{"other maker", Filter{Maker: "0xdef"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Match(rec); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}
