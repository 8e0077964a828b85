package session

import (
	"errors"
	"testing"
	"time"
)

func TestViolationBannersAreIndependent(t *testing.T) {
	c, _, clk := newExam(t, 600, textQuestions(2), WithBannerDuration(5*time.Second))

	clk.Step(time.Second)
	_ = c.RecordViolation(Violation{Kind: "focus-lost"})
	clk.Step(time.Second)
	_ = c.RecordViolation(Violation{Kind: "focus-lost"})

	p := c.Progress()
	if p.ViolationCount != 2 || len(p.Warnings) != 2 {
		t.Fatalf("violations/warnings = %d/%d, want 2/2", p.ViolationCount, len(p.Warnings))
	}

	clk.Step(time.Second)
	if err := c.DismissWarning(0); err != nil {
		t.Fatal(err)
	}

	p = c.Progress()
	if p.ViolationCount != 2 {
		t.Fatalf("violation count = %d after dismiss, want 2", p.ViolationCount)
	}
	if len(p.Warnings) != 1 || p.Warnings[0].Seq != 1 {
		t.Fatalf("warnings = %+v, want only seq 1", p.Warnings)
	}

	recs := c.Violations()
	if !recs[0].Acknowledged || recs[1].Acknowledged {
		t.Fatalf("acknowledged flags = %v/%v, want true/false", recs[0].Acknowledged, recs[1].Acknowledged)
	}
}

func TestBannerAutoExpiry(t *testing.T) {
	c, _, clk := newExam(t, 600, textQuestions(1), WithBannerDuration(5*time.Second))

	_ = c.RecordViolation(Violation{Kind: "tab-switch"})
	clk.Step(3 * time.Second)
	_ = c.RecordViolation(Violation{Kind: "copy-paste"})

	// The first banner expires on its own schedule; the later violation does
	// not extend or shorten it.
	clk.Step(2 * time.Second)
	p := c.Progress()
	if len(p.Warnings) != 1 || p.Warnings[0].Kind != "copy-paste" {
		t.Fatalf("warnings at t=5s = %+v, want only copy-paste", p.Warnings)
	}

	clk.Step(3 * time.Second)
	p = c.Progress()
	if len(p.Warnings) != 0 {
		t.Fatalf("warnings at t=8s = %+v, want none", p.Warnings)
	}
	if p.ViolationCount != 2 {
		t.Fatalf("violation count = %d, want 2", p.ViolationCount)
	}
	for _, rec := range c.Violations() {
		if rec.Acknowledged {
			t.Fatalf("record %d acknowledged by expiry", rec.Seq)
		}
	}
}

func TestRecordViolationKeepsCursorAndTimer(t *testing.T) {
	c, _, clk := newExam(t, 60, textQuestions(3))
	_ = c.Navigate(2)
	c.Tick()
	before := c.Progress()

	occurred := clk.Now().Add(-10 * time.Second)
	_ = c.RecordViolation(Violation{Kind: "face-missing", OccurredAt: occurred})

	after := c.Progress()
	if after.CurrentIndex != before.CurrentIndex || after.RemainingSeconds != before.RemainingSeconds {
		t.Fatalf("violation moved cursor or timer: %+v -> %+v", before, after)
	}
	if after.State != StateActive {
		t.Fatalf("state = %s, want active", after.State)
	}
	if got := c.Violations()[0].OccurredAt; !got.Equal(occurred) {
		t.Fatalf("occurred_at = %v, want %v", got, occurred)
	}
}

func TestDismissWarningOutOfRange(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(1))
	if err := c.DismissWarning(0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("error = %v, want ErrOutOfRange", err)
	}
}

func TestOutcomeCarriesViolations(t *testing.T) {
	c, gw, _ := newExam(t, 60, textQuestions(1))
	_ = c.RecordViolation(Violation{Kind: "tab-switch"})
	_ = c.DismissWarning(0)
	_ = c.RequestSubmit(ReasonManualSubmit)
	if _, err := c.ConfirmSubmit(t.Context()); err != nil {
		t.Fatal(err)
	}
	out := gw.outcomes[0]
	if out.ViolationCount != 1 || len(out.Violations) != 1 || !out.Violations[0].Acknowledged {
		t.Fatalf("outcome violations = %+v", out.Violations)
	}
}

func TestBannerText(t *testing.T) {
	text := func(kind string) string {
		if kind == "tab-switch" {
			return "Stay on the exam window."
		}
		return ""
	}
	tests := []struct {
		name string
		opts []Option
		kind string
		want string
	}{
		{name: "known kind", opts: []Option{WithBannerText(text)}, kind: "tab-switch", want: "Stay on the exam window."},
		{name: "unknown kind", opts: []Option{WithBannerText(text)}, kind: "gaze-away", want: ""},
		{name: "no text source", kind: "tab-switch", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newExam(t, 60, textQuestions(1), tt.opts...)
			_ = c.RecordViolation(Violation{Kind: tt.kind})

			p := c.Progress()
			if len(p.Warnings) != 1 || p.Warnings[0].Message != tt.want {
				t.Fatalf("warnings = %+v, want message %q", p.Warnings, tt.want)
			}
		})
	}
}
