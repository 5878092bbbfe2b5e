package settlement

import (
	"context"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
)

// LocalClient settles directly against an in-process ledger.
type LocalClient struct {
	ledger ledger.Ledger
}

// NewLocalClient wraps l.
func NewLocalClient(l ledger.Ledger) *LocalClient {
	return &LocalClient{ledger: l}
}

func (c *LocalClient) Settle(ctx context.Context, id string, kind escrow.Kind) (Result, error) {
	var (
		s   *ledger.Settlement
		err error
	)
	switch kind {
	case escrow.KindSell:
		s, err = c.ledger.SettleSell(ctx, id)
	case escrow.KindBuy:
		s, err = c.ledger.SettleBuy(ctx, id)
	default:
		_, err = ConfirmMethod(kind)
	}
	if err != nil {
		return Result{}, err
	}
	return resultFromSettlement(s), nil
}

var _ Client = (*LocalClient)(nil)
