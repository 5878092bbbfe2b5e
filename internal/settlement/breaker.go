package settlement

import (
	"context"
	"errors"

	"github.com/mbd888/devolt/internal/circuitbreaker"
	"github.com/mbd888/devolt/internal/escrow"
)

// BreakerClient guards a Client with a circuit breaker keyed by confirm
// method. Domain errors and credential rejections mean the service
// answered and do not count as failures.
type BreakerClient struct {
	next    Client
	breaker *circuitbreaker.Breaker
}

// NewBreakerClient wraps next with b.
func NewBreakerClient(next Client, b *circuitbreaker.Breaker) *BreakerClient {
	return &BreakerClient{next: next, breaker: b}
}

func (c *BreakerClient) Settle(ctx context.Context, id string, kind escrow.Kind) (Result, error) {
	method, err := ConfirmMethod(kind)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = c.breaker.Execute(method, answered, func() error {
		var callErr error
		res, callErr = c.next.Settle(ctx, id, kind)
		return callErr
	})
	return res, err
}

// States exposes the breaker state per method for the ops surface.
func (c *BreakerClient) States() map[string]string {
	return c.breaker.States()
}

func answered(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrEscrowNotFound) ||
		errors.Is(err, escrow.ErrInvalidKind) ||
		errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrUnauthorized)
}

var _ Client = (*BreakerClient)(nil)
