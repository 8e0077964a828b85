// Package session implements the timed assessment session controller: the
// state machine that owns a candidate's answers, flags, timer and integrity
// violations for one exam or interview attempt, and hands the final outcome to
// a submission gateway exactly once.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes countdown exams from open-ended interviews.
type Kind string

const (
	KindExam      Kind = "exam"
	KindInterview Kind = "interview"
)

// QuestionKind enumerates the answer shapes a question accepts.
type QuestionKind string

const (
	QuestionSingleChoice QuestionKind = "single-choice"
	QuestionFreeText     QuestionKind = "free-text"
)

// State enumerates controller states.
type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
)

// CompletionReason records why a session left the active state.
type CompletionReason string

const (
	ReasonManualSubmit      CompletionReason = "manual-submit"
	ReasonTimeExpired       CompletionReason = "time-expired"
	ReasonCandidateEnded    CompletionReason = "candidate-ended"
	ReasonProctorTerminated CompletionReason = "proctor-terminated"
)

// Forced reports whether a submission with this reason can never be cancelled.
func (r CompletionReason) Forced() bool {
	return r == ReasonTimeExpired || r == ReasonProctorTerminated
}

// Valid reports whether r is a known reason.
func (r CompletionReason) Valid() bool {
	switch r {
	case ReasonManualSubmit, ReasonTimeExpired, ReasonCandidateEnded, ReasonProctorTerminated:
		return true
	}
	return false
}

// Question is one addressable item of a session. Index is its stable position.
type Question struct {
	Index                int          `json:"index"`
	Kind                 QuestionKind `json:"kind"`
	Text                 string       `json:"text,omitempty"`
	Options              []string     `json:"options,omitempty"`
	Weight               int          `json:"weight"`
	SuggestedTimeSeconds int          `json:"suggested_time_seconds,omitempty"`
}

// Session is the bootstrap input for a controller.
type Session struct {
	ID        uuid.UUID
	Kind      Kind
	Questions []Question
	// DurationBudget is the exam countdown in seconds. Ignored for interviews.
	DurationBudget int
	StartedAt      time.Time
}

// Answer is a candidate response. Exactly one of the two shapes is meaningful,
// selected by Kind. Answer is comparable so reselecting can be detected.
type Answer struct {
	Kind   QuestionKind `json:"kind"`
	Option int          `json:"option,omitempty"`
	Text   string       `json:"text,omitempty"`
}

// ChoiceAnswer selects option i of a single-choice question.
func ChoiceAnswer(i int) Answer {
	return Answer{Kind: QuestionSingleChoice, Option: i}
}

// TextAnswer is a free-text response.
func TextAnswer(s string) Answer {
	return Answer{Kind: QuestionFreeText, Text: s}
}

// ViolationRecord is one integrity event reported by the external detector.
// Records are never removed; Acknowledged flips when the candidate dismisses
// the matching warning banner.
type ViolationRecord struct {
	Seq          int       `json:"seq"`
	Kind         string    `json:"kind"`
	OccurredAt   time.Time `json:"occurred_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// MaxKindLength is the longest violation kind accepted from clients and the
// feed.
const MaxKindLength = 64

// Violation is an inbound feed event.
type Violation struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Outcome is the immutable artifact handed to the gateway on submission.
type Outcome struct {
	SessionID        uuid.UUID         `json:"session_id"`
	Kind             Kind              `json:"kind"`
	Answers          map[int]Answer    `json:"answers"`
	Flags            []int             `json:"flags"`
	ViolationCount   int               `json:"violation_count"`
	Violations       []ViolationRecord `json:"violations"`
	CompletionReason CompletionReason  `json:"completion_reason"`
	ElapsedSeconds   int               `json:"elapsed_seconds"`
	SubmittedAt      time.Time         `json:"submitted_at"`
}

// SubmitResult is the gateway's acknowledgment of a delivered outcome.
type SubmitResult struct {
	Receipt    string    `json:"receipt"`
	AcceptedAt time.Time `json:"accepted_at"`
}
