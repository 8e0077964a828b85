package websocket

import "github.com/stemsi/exstem-proctor/internal/session"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer    Action = "answer"
	ActionFlag      Action = "flag"
	ActionNavigate  Action = "navigate"
	ActionNext      Action = "next"
	ActionPrevious  Action = "previous"
	ActionViolation Action = "violation"
	ActionDismiss   Action = "dismiss"
	ActionSubmit    Action = "submit"
	ActionConfirm   Action = "confirm"
	ActionCancel    Action = "cancel"
	ActionRetry     Action = "retry"
	ActionPing      Action = "ping"
)

// RequestPayload is the single client message shape. Fields are read
// according to Action.
type RequestPayload struct {
	Action Action  `json:"action"`
	Index  *int    `json:"index,omitempty"`
	Option *int    `json:"option,omitempty"`
	Text   *string `json:"text,omitempty"`
	Kind   string  `json:"kind,omitempty"`
	Seq    *int    `json:"seq,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventProgress  Event = "progress"
	EventSubmitted Event = "submitted"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

type ProgressResponse struct {
	Event    Event            `json:"event"`
	Progress session.Progress `json:"progress"`
}

type SubmittedResponse struct {
	Event    Event            `json:"event"`
	Receipt  string           `json:"receipt"`
	Progress session.Progress `json:"progress"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
