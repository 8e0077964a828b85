package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// LaunchSessionRequest is the payload for starting a proctored session.
type LaunchSessionRequest struct {
	SessionID       *uuid.UUID        `json:"session_id"`
	Kind            string            `json:"kind" binding:"required,oneof=exam interview"`
	DurationSeconds int               `json:"duration_seconds" binding:"required_if=Kind exam,min=0"`
	Questions       []QuestionRequest `json:"questions" binding:"required,min=1,dive"`
}

// QuestionRequest describes one question of a launch payload.
type QuestionRequest struct {
	Kind                 string   `json:"kind" binding:"required,oneof=single-choice free-text"`
	Text                 string   `json:"text" binding:"max=4000"`
	Options              []string `json:"options" binding:"required_if=Kind single-choice,dive,max=1000"`
	Weight               int      `json:"weight" binding:"min=0"`
	SuggestedTimeSeconds int      `json:"suggested_time_seconds" binding:"min=0"`
}

// ToSession maps the request to a controller bootstrap.
func (r *LaunchSessionRequest) ToSession() session.Session {
	s := session.Session{
		Kind:           session.Kind(r.Kind),
		DurationBudget: r.DurationSeconds,
		Questions:      make([]session.Question, len(r.Questions)),
	}
	if r.SessionID != nil {
		s.ID = *r.SessionID
	}
	for i, q := range r.Questions {
		s.Questions[i] = session.Question{
			Index:                i,
			Kind:                 session.QuestionKind(q.Kind),
			Text:                 q.Text,
			Options:              q.Options,
			Weight:               q.Weight,
			SuggestedTimeSeconds: q.SuggestedTimeSeconds,
		}
	}
	return s
}

// AnswerRequest selects an option or writes free text. Exactly one of the two
// fields must be present.
type AnswerRequest struct {
	Option *int    `json:"option" binding:"required_without=Text,excluded_with=Text"`
	Text   *string `json:"text" binding:"required_without=Option"`
}

// ToAnswer maps the request to a controller answer.
func (r *AnswerRequest) ToAnswer() (session.Answer, error) {
	switch {
	case r.Option != nil && r.Text == nil:
		return session.ChoiceAnswer(*r.Option), nil
	case r.Text != nil && r.Option == nil:
		return session.TextAnswer(*r.Text), nil
	default:
		return session.Answer{}, fmt.Errorf("exactly one of option or text is required")
	}
}

// SubmitRequest asks for the submission dialog.
type SubmitRequest struct {
	Reason string `json:"reason" binding:"required,candidate_reason"`
}

// ViolationRequest reports an integrity event for the session.
type ViolationRequest struct {
	Kind       string     `json:"kind" binding:"required,min=1,max=64"`
	OccurredAt *time.Time `json:"occurred_at"`
}

// ToViolation maps the request to a feed event.
func (r *ViolationRequest) ToViolation() session.Violation {
	v := session.Violation{Kind: r.Kind}
	if r.OccurredAt != nil {
		v.OccurredAt = *r.OccurredAt
	}
	return v
}

// ─── Queue payloads ─────────────────────────────────────────────────

// AnswerPayload is queued on every accepted answer for autosave.
type AnswerPayload struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Option    *int      `json:"option,omitempty"`
	Text      *string   `json:"text,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// NewAnswerPayload builds the autosave payload for answer a of question index.
func NewAnswerPayload(id uuid.UUID, index int, a session.Answer, at time.Time) AnswerPayload {
	p := AnswerPayload{SessionID: id.String(), Index: index, SavedAt: at}
	switch a.Kind {
	case session.QuestionSingleChoice:
		opt := a.Option
		p.Option = &opt
	default:
		text := a.Text
		p.Text = &text
	}
	return p
}

// ViolationPayload is queued for every recorded violation.
type ViolationPayload struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OutcomePayload is the queued form of a delivered outcome.
type OutcomePayload struct {
	Receipt string          `json:"receipt"`
	Outcome session.Outcome `json:"outcome"`
}

// ─── Monitor messages ───────────────────────────────────────────────

// MonitorMessage is published on a session's monitor channel.
type MonitorMessage struct {
	Type      string            `json:"type"`
	Progress  *session.Progress `json:"progress,omitempty"`
	RiskScore *int              `json:"risk_score,omitempty"`
	Message   string            `json:"message,omitempty"`
	At        time.Time         `json:"at"`
}

// ─── Read models ────────────────────────────────────────────────────

// StoredOutcome is a persisted outcome as listed by operators.
type StoredOutcome struct {
	SessionID        uuid.UUID `json:"session_id"`
	Kind             string    `json:"kind"`
	CompletionReason string    `json:"completion_reason"`
	AnsweredCount    int       `json:"answered_count"`
	ViolationCount   int       `json:"violation_count"`
	ElapsedSeconds   int       `json:"elapsed_seconds"`
	Receipt          string    `json:"receipt"`
	SubmittedAt      time.Time `json:"submitted_at"`
}
