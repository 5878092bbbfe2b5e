package reconciliation

import (
	"errors"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/ledger"
)

// ErrFatal marks errors that no amount of retrying will fix. The Engine
// stops when a poll fails with an error wrapping it.
var ErrFatal = errors.New("fatal reconciliation error")

// Class groups errors by how the reconciler reacts to them.
type Class int

const (
	ClassNone Class = iota
	// ClassTransient errors leave the escrow pending for a later cycle.
	ClassTransient
	// ClassInvalidState errors mean another attempt already finished the
	// escrow, or it no longer exists. They are dropped.
	ClassInvalidState
	// ClassFatal errors stop the engine.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassInvalidState:
		return "invalid_state"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error to its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrFatal), errors.Is(err, ledger.ErrCredentials):
		return ClassFatal
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, escrow.ErrInvalidKind):
		return ClassInvalidState
	default:
		// Timeouts, transport errors, open circuits and anything unknown.
		return ClassTransient
	}
}
