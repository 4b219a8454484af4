package model

import (
	"errors"
	"fmt"
)

// ErrDataUnavailable marks reference data that cannot be retrieved even via
// the fallback interpolation path. Matched with errors.Is.
var ErrDataUnavailable = errors.New("reference data unavailable")

// ValidationError reports a configuration value outside its allowed domain.
// It is raised at construction time and never reaches the update loop.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DataUnavailableError wraps a failed historical read with the block it was
// requested for.
type DataUnavailableError struct {
	Block uint64
	Err   error
}

func (e *DataUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reference data unavailable at block %d: %v", e.Block, e.Err)
	}
	return fmt.Sprintf("reference data unavailable at block %d", e.Block)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func (e *DataUnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

// ConsistencyError reports a violated internal invariant: the simulation's
// math diverged from the contract semantics it mirrors. Always fatal.
type ConsistencyError struct {
	Op     string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency fault in %s: %s", e.Op, e.Detail)
}

// EnvCallError reports a rejected call into the execution environment,
// carrying the revert-style reason. Replays are deterministic, so these are
// never retried.
type EnvCallError struct {
	Contract string
	Method   string
	Reason   string
}

func (e *EnvCallError) Error() string {
	return fmt.Sprintf("%s.%s reverted: %s", e.Contract, e.Method, e.Reason)
}
