package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, buses and breakers return
// these (optionally wrapped) so the pipeline can classify them.
//
// - ErrUnavailable: store or broker temporarily unavailable, or fenced off by an open breaker
// - ErrAlreadyUsed: a delivery was settled twice
// - ErrClosed: the bus no longer accepts work
// - ErrInvalidState: component used in the wrong lifecycle phase
var (
	ErrUnavailable  = errors.New("unavailable")
	ErrAlreadyUsed  = errors.New("already used")
	ErrClosed       = errors.New("closed")
	ErrInvalidState = errors.New("invalid state")
)
