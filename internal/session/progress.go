package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks the gateway hand-off after the session is submitted.
type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = "none"
	DeliveryInFlight  DeliveryStatus = "in-flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// QuestionStatus is one cell of the navigation grid.
type QuestionStatus struct {
	Index    int  `json:"index"`
	Answered bool `json:"answered"`
	Flagged  bool `json:"flagged"`
	Current  bool `json:"current"`
}

// Banner is a transient warning shown for one violation record.
type Banner struct {
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	ShownAt   time.Time `json:"shown_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Progress is the read-only projection consumed by presentation layers.
// Every count is derived from controller state when the projection is built.
type Progress struct {
	SessionID        uuid.UUID        `json:"session_id"`
	Kind             Kind             `json:"kind"`
	State            State            `json:"state"`
	Reason           CompletionReason `json:"reason,omitempty"`
	CurrentIndex     int              `json:"current_index"`
	Total            int              `json:"total"`
	AnsweredCount    int              `json:"answered_count"`
	UnansweredCount  int              `json:"unanswered_count"`
	FlaggedCount     int              `json:"flagged_count"`
	ViolationCount   int              `json:"violation_count"`
	RemainingSeconds int              `json:"remaining_seconds"`
	ElapsedSeconds   int              `json:"elapsed_seconds"`
	LowTime          bool             `json:"low_time"`
	Clock            string           `json:"clock"`
	Questions        []QuestionStatus `json:"questions"`
	Warnings         []Banner         `json:"warnings"`
	Delivery         DeliveryStatus   `json:"delivery"`
}

// FormatClock renders seconds as h:mm:ss when at least an hour is left,
// mm:ss otherwise.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func (c *Controller) progressLocked() Progress {
	now := c.clock.Now()
	total := len(c.sess.Questions)

	p := Progress{
		SessionID:        c.sess.ID,
		Kind:             c.sess.Kind,
		State:            c.state,
		Reason:           c.reason,
		CurrentIndex:     c.cursor,
		Total:            total,
		AnsweredCount:    len(c.answers),
		UnansweredCount:  total - len(c.answers),
		FlaggedCount:     len(c.flags),
		ViolationCount:   len(c.violations),
		RemainingSeconds: c.remaining,
		ElapsedSeconds:   c.elapsed,
		Questions:        make([]QuestionStatus, total),
		Warnings:         []Banner{},
		Delivery:         c.delivery,
	}

	if c.sess.Kind == KindExam {
		p.Clock = FormatClock(c.remaining)
		p.LowTime = c.state == StateActive && c.remaining < c.lowTime
	} else {
		p.Clock = FormatClock(c.elapsed)
	}

	for i := 0; i < total; i++ {
		_, answered := c.answers[i]
		_, flagged := c.flags[i]
		p.Questions[i] = QuestionStatus{Index: i, Answered: answered, Flagged: flagged, Current: i == c.cursor}
	}

	for i, v := range c.violations {
		if v.Acknowledged {
			continue
		}
		b := c.banners[i]
		if now.Before(b.ExpiresAt) {
			p.Warnings = append(p.Warnings, b)
		}
	}

	return p
}
