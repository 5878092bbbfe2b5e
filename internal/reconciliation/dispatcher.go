package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/logging"
	"github.com/mbd888/devolt/internal/settlement"
	"github.com/mbd888/devolt/internal/traces"
)

// DispatcherConfig tunes a Dispatcher. Zero values disable the cap and the
// rate limit.
type DispatcherConfig struct {
	// CallTimeout bounds each settlement call. Non-positive means the
	// settlement client's own timeout applies.
	CallTimeout time.Duration
	// MaxInFlight caps concurrent settlement tasks.
	MaxInFlight int
	// SettleRPS limits settlement calls per second across all tasks.
	SettleRPS float64
}

// Dispatcher starts one settlement task per pending escrow that has no
// outstanding attempt.
type Dispatcher struct {
	client   settlement.Client
	registry *Registry
	timeout  time.Duration
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *slog.Logger
	onFatal  func(error)
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher that records attempts in registry.
func NewDispatcher(client settlement.Client, registry *Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		registry: registry,
		timeout:  cfg.CallTimeout,
		logger:   logger,
	}
	if cfg.MaxInFlight > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	if cfg.SettleRPS > 0 {
		burst := int(cfg.SettleRPS)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.SettleRPS), burst)
	}
	return d
}

// Registry returns the registry the dispatcher records attempts in.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// OnFatal sets a callback invoked when a settlement fails with a fatal
// error. It must be set before the first Dispatch.
func (d *Dispatcher) OnFatal(fn func(error)) {
	d.onFatal = fn
}

// Dispatch starts a task for every record not already in flight and
// returns the number started. It never blocks on settlement calls.
func (d *Dispatcher) Dispatch(ctx context.Context, recs []*escrow.Record) int {
	started := 0
	for _, rec := range recs {
		if rec == nil || !rec.IsPending() {
			continue
		}
		if !d.registry.TryAcquire(rec.ID) {
			dispatchSkipped.WithLabelValues("in_flight").Inc()
			continue
		}
		if d.sem != nil && !d.sem.TryAcquire(1) {
			d.registry.Release(rec.ID)
			dispatchSkipped.WithLabelValues("saturated").Inc()
			continue
		}

		d.wg.Add(1)
		go d.run(ctx, rec)
		started++
	}
	return started
}

// Wait blocks until every started task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (d *Dispatcher) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, rec *escrow.Record) {
	defer d.wg.Done()
	defer d.registry.Release(rec.ID)
	if d.sem != nil {
		defer d.sem.Release(1)
	}
	defer func() {
		if r := recover(); r != nil {
			settlementsTotal.WithLabelValues(string(rec.Kind), "panic").Inc()
			d.logger.Error("panic in settlement task",
				"escrow_id", rec.ID, "kind", rec.Kind, "panic", fmt.Sprint(r))
		}
	}()

	ctx = logging.WithEscrow(logging.WithLogger(ctx, d.logger), rec.ID, string(rec.Kind))
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	res, err := d.settle(ctx, rec)
	d.report(ctx, rec, res, err)
}

func (d *Dispatcher) settle(ctx context.Context, rec *escrow.Record) (res settlement.Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.settle",
		traces.EscrowID(rec.ID), traces.Kind(string(rec.Kind)))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		settlementDuration.WithLabelValues(string(rec.Kind)).Observe(time.Since(start).Seconds())
	}()

	if d.limiter != nil {
		if werr := d.limiter.Wait(ctx); werr != nil {
			return settlement.Result{}, fmt.Errorf("rate limit: %w", werr)
		}
	}

	res, err = d.client.Settle(ctx, rec.ID, rec.Kind)
	if err == nil {
		span.SetAttributes(traces.Outcome(string(res.Outcome)), traces.TxRef(res.TxRef))
	}
	return res, err
}

func (d *Dispatcher) report(ctx context.Context, rec *escrow.Record, res settlement.Result, err error) {
	logger := logging.L(ctx)
	kind := string(rec.Kind)

	switch class := Classify(err); class {
	case ClassNone:
		settlementsTotal.WithLabelValues(kind, string(res.Outcome)).Inc()
		logger.Info("escrow settled", "outcome", res.Outcome, "tx_ref", res.TxRef)
	case ClassInvalidState:
		settlementsTotal.WithLabelValues(kind, class.String()).Inc()
		logger.Info("escrow already settled elsewhere", "error", err)
	case ClassFatal:
		settlementsTotal.WithLabelValues(kind, class.String()).Inc()
		logger.Error("settlement failed fatally", "error", err)
		if d.onFatal != nil {
			d.onFatal(err)
		}
	default:
		settlementsTotal.WithLabelValues(kind, class.String()).Inc()
		logger.Warn("settlement attempt failed, escrow left pending", "error", err)
	}
}
