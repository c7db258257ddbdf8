package core

import (
	"errors"
	"fmt"
)

// ReasoningError marks a failure of an LLM-backed phase: the call itself
// failed or its output could not be parsed into the expected structure.
// Such failures are plan-level; the engine never repairs malformed model
// output heuristically.
type ReasoningError struct {
	Phase string
	Err   error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("%s reasoning failed: %v", e.Phase, e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

func reasoningErr(phase string, format string, args ...interface{}) *ReasoningError {
	return &ReasoningError{Phase: phase, Err: fmt.Errorf(format, args...)}
}

// IsReasoning reports whether err is (or wraps) a ReasoningError.
func IsReasoning(err error) bool {
	var re *ReasoningError
	return errors.As(err, &re)
}

// ErrPlanningRoundsExhausted is returned when a plan keeps producing new
// requirements past the configured round cap without ever signalling
// completion.
var ErrPlanningRoundsExhausted = errors.New("planning rounds exhausted")
