package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/devolt/internal/escrow"
)

// Lister is the read side of the ledger the poller needs.
type Lister interface {
	ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Record, error)
}

// Poller fetches pending escrows under a per-call timeout.
type Poller struct {
	lister  Lister
	timeout time.Duration
	nowFn   func() time.Time
}

// NewPoller creates a poller. A non-positive timeout means no deadline
// beyond the caller's context.
func NewPoller(lister Lister, timeout time.Duration) *Poller {
	return &Poller{lister: lister, timeout: timeout, nowFn: time.Now}
}

// Poll returns the pending escrows. Records in any other state are dropped.
// A credentials failure is returned wrapped in ErrFatal.
func (p *Poller) Poll(ctx context.Context) ([]*escrow.Record, error) {
	start := time.Now()
	defer func() { pollDuration.Observe(time.Since(start).Seconds()) }()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	recs, err := p.lister.ListEscrows(ctx, escrow.Filter{State: escrow.StatePending})
	if err != nil {
		pollsTotal.WithLabelValues("error").Inc()
		if Classify(err) == ClassFatal {
			return nil, fmt.Errorf("%w: list pending escrows: %w", ErrFatal, err)
		}
		return nil, fmt.Errorf("list pending escrows: %w", err)
	}
	pollsTotal.WithLabelValues("ok").Inc()

	pending := make([]*escrow.Record, 0, len(recs))
	var oldest time.Time
	for _, rec := range recs {
		if rec == nil || !rec.IsPending() {
			continue
		}
		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
		pending = append(pending, rec)
	}

	pendingEscrows.Set(float64(len(pending)))
	if oldest.IsZero() {
		oldestPendingAge.Set(0)
	} else {
		oldestPendingAge.Set(p.nowFn().Sub(oldest).Seconds())
	}
	return pending, nil
}
