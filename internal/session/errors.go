package session

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a question, option or warning index outside
	// the session's index space. State is left unchanged.
	ErrOutOfRange = errors.New("index out of range")

	// ErrInvalidTransition marks an action attempted outside its valid state.
	// The controller absorbs these as no-ops and only logs them.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGatewayFailure matches any failed delivery to the submission gateway.
	ErrGatewayFailure = errors.New("submission gateway failure")

	ErrEmptyQuestionSet = errors.New("session has no questions")
	ErrInvalidBudget    = errors.New("exam duration budget must be positive")
	ErrAnswerKind       = errors.New("answer kind does not match question kind")
	ErrInvalidReason    = errors.New("unknown completion reason")
	ErrSubmitInFlight   = errors.New("submission delivery already in flight")
)

// GatewayError wraps the error a gateway returned for one delivery attempt.
type GatewayError struct {
	Attempt int
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("submission gateway failure (attempt %d): %v", e.Attempt, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrGatewayFailure) true for every GatewayError.
func (e *GatewayError) Is(target error) bool { return target == ErrGatewayFailure }
