// Package reconciliation drives pending escrows to a terminal state.
//
// Each cycle the Engine asks the Poller for pending escrows, hands them to
// the Dispatcher, and schedules the next cycle from the Backoff state
// machine. The Dispatcher starts at most one settlement task per escrow,
// tracked in the Registry until the task finishes. Failed attempts leave
// the escrow pending, so a later cycle picks it up again.
package reconciliation
