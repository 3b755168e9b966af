package chain

import "errors"

var (
	// ErrStaleGeneration reports that a trigger delivery carried a
	// superseded generation and was ignored. Informational: stale
	// deliveries are an expected consequence of manual resets and
	// at-least-once substrates, not a fault.
	ErrStaleGeneration = errors.New("stale trigger generation")

	// ErrChainBroken reports that arming the next day's trigger failed.
	// This is fatal-class: nothing is pending anymore and the daily
	// cadence has stopped until an operator resets.
	ErrChainBroken = errors.New("daily chain broken: trigger submission failed")
)
