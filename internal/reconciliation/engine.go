package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a point-in-time view of the engine for the ops surface.
type Status struct {
	Running    bool      `json:"running"`
	Phase      string    `json:"phase"`
	Failures   int       `json:"consecutiveFailures"`
	NextDelay  string    `json:"nextDelay"`
	InFlight   int       `json:"inFlight"`
	LastPollAt time.Time `json:"lastPollAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// Engine runs the poll loop: poll, dispatch, wait for the backoff delay,
// repeat. The first poll runs immediately.
type Engine struct {
	poller     *Poller
	dispatcher *Dispatcher
	backoff    *Backoff
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// Settlement tasks outlive the loop context so Shutdown can drain them.
	taskCtx     context.Context
	cancelTasks context.CancelFunc

	mu       sync.Mutex
	lastPoll time.Time
	lastErr  error
	fatal    error
}

// NewEngine wires the loop. Fatal settlement errors reported by the
// dispatcher halt the engine.
func NewEngine(poller *Poller, dispatcher *Dispatcher, backoff *Backoff, logger *slog.Logger) *Engine {
	e := &Engine{
		poller:     poller,
		dispatcher: dispatcher,
		backoff:    backoff,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	e.taskCtx, e.cancelTasks = context.WithCancel(context.Background())
	dispatcher.OnFatal(e.halt)
	return e
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Registry returns the in-flight registry.
func (e *Engine) Registry() *Registry {
	return e.dispatcher.Registry()
}

// Start runs the loop until ctx is done, Stop is called, or a fatal error
// occurs. It returns nil on a clean stop and the fatal error otherwise.
// Call in a goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("reconciliation engine already running")
	}
	defer e.running.Store(false)

	e.logger.Info("reconciliation engine started")
	for {
		select {
		case <-e.stop:
			return e.exit()
		default:
		}

		delay, err := e.safeRun(ctx)
		if Classify(err) == ClassFatal {
			e.halt(err)
			return e.exit()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.exit()
		case <-e.stop:
			timer.Stop()
			return e.exit()
		case <-timer.C:
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Shutdown stops the loop and waits for outstanding settlement tasks,
// bounded by ctx. Tasks still running when ctx is done are cancelled and
// their escrows stay pending.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	if err := e.dispatcher.WaitContext(ctx); err != nil {
		e.cancelTasks()
		return err
	}
	return nil
}

// Wait blocks until every started settlement task has finished.
func (e *Engine) Wait() {
	e.dispatcher.Wait()
}

// Err returns the fatal error that halted the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// RunOnce performs a single poll cycle and returns the delay before the
// next one. A failed poll dispatches nothing.
func (e *Engine) RunOnce(ctx context.Context) (time.Duration, error) {
	if err := e.backoff.Begin(); err != nil {
		return e.backoff.Delay(), err
	}

	recs, err := e.poller.Poll(ctx)
	e.record(err)
	if err != nil {
		delay, _ := e.backoff.Failure()
		e.logger.Warn("poll failed",
			"error", err,
			"failures", e.backoff.Failures(),
			"next_poll_in", delay)
		return delay, err
	}

	started := e.dispatcher.Dispatch(e.taskCtx, recs)
	delay, _ := e.backoff.Success()
	if len(recs) > 0 {
		e.logger.Debug("poll complete", "pending", len(recs), "dispatched", started)
	}
	return delay, nil
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	lastPoll, lastErr := e.lastPoll, e.lastErr
	e.mu.Unlock()

	s := Status{
		Running:    e.Running(),
		Phase:      e.backoff.Phase().String(),
		Failures:   e.backoff.Failures(),
		NextDelay:  e.backoff.Delay().String(),
		InFlight:   e.dispatcher.Registry().Len(),
		LastPollAt: lastPoll,
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

func (e *Engine) safeRun(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll cycle: %v", r)
			e.record(err)
			delay, _ = e.backoff.Failure()
			e.logger.Error("panic in reconciliation loop", "panic", fmt.Sprint(r))
		}
	}()
	return e.RunOnce(ctx)
}

func (e *Engine) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPoll = time.Now()
	e.lastErr = err
}

func (e *Engine) halt(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
	e.Stop()
}

func (e *Engine) exit() error {
	if err := e.Err(); err != nil {
		e.logger.Error("reconciliation engine halted", "error", err)
		return err
	}
	e.logger.Info("reconciliation engine stopped")
	return nil
}
