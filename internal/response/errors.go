package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrOutOfRange     ErrCode = "OUT_OF_RANGE"
	ErrAnswerKind     ErrCode = "ANSWER_KIND_MISMATCH"
	ErrInvalidReason  ErrCode = "INVALID_COMPLETION_REASON"

	// ─── Sessions ──────────────────────────────────────────────────────
	ErrSessionNotFound ErrCode = "SESSION_NOT_FOUND"
	ErrSessionExists   ErrCode = "SESSION_EXISTS"
	ErrNoQuestions     ErrCode = "NO_QUESTIONS"
	ErrInvalidBudget   ErrCode = "INVALID_DURATION_BUDGET"
	ErrSubmitInFlight  ErrCode = "SUBMIT_IN_FLIGHT"
	ErrGatewayFailure  ErrCode = "GATEWAY_FAILURE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "This token is not valid for the requested session."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrOutOfRange:
		return "Index is outside the session's question or warning range."
	case ErrAnswerKind:
		return "Answer shape does not match the question kind."
	case ErrInvalidReason:
		return "Unknown completion reason."

	// ─── Sessions ──────────────────────────────────────────────────────
	case ErrSessionNotFound:
		return "Session not found."
	case ErrSessionExists:
		return "A session with this ID is already running."
	case ErrNoQuestions:
		return "A session needs at least one question."
	case ErrInvalidBudget:
		return "Exam duration must be positive."
	case ErrSubmitInFlight:
		return "Submission delivery is already in progress."
	case ErrGatewayFailure:
		return "The outcome could not be recorded. Retry the submission."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
