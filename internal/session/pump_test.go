package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"
)

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type pumpHarness struct {
	ctrl *Controller
	gw   *recordingGateway
	clk  *clocktesting.FakeClock
	done chan error
}

func startPump(t *testing.T, budget int, feed <-chan Violation, grace int) *pumpHarness {
	t.Helper()
	gw := &recordingGateway{}
	clk := clocktesting.NewFakeClock(epoch)
	c := NewController(gw, WithClock(clk))
	if err := c.Start(Session{ID: uuid.New(), Kind: KindExam, Questions: textQuestions(2), DurationBudget: budget}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &pumpHarness{ctrl: c, gw: gw, clk: clk, done: make(chan error, 1)}
	p := NewPump(c, clk, WithFeed(feed), WithForcedSubmitGrace(grace))
	go func() { h.done <- p.Run(ctx) }()

	waitFor(t, "ticker registration", clk.HasWaiters)
	return h
}

// tick advances the fake clock one second and waits until the pump applied it.
func (h *pumpHarness) tick(t *testing.T) {
	t.Helper()
	before := h.ctrl.Progress().ElapsedSeconds
	h.clk.Step(time.Second)
	waitFor(t, "tick applied", func() bool {
		p := h.ctrl.Progress()
		return p.ElapsedSeconds > before || p.State != StateActive
	})
}

func TestPumpExpiresAndConfirms(t *testing.T) {
	h := startPump(t, 3, nil, 0)

	for i := 0; i < 3; i++ {
		h.tick(t)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after forced submission")
	}

	if got := h.ctrl.State(); got != StateSubmitted {
		t.Fatalf("state = %s, want submitted", got)
	}
	if h.gw.calls() != 1 || h.gw.outcomes[0].CompletionReason != ReasonTimeExpired {
		t.Fatalf("gateway outcomes = %+v", h.gw.outcomes)
	}
}

func TestPumpForcedSubmitGrace(t *testing.T) {
	h := startPump(t, 1, nil, 2)

	h.tick(t)
	if got := h.ctrl.State(); got != StateSubmitting {
		t.Fatalf("state = %s, want submitting", got)
	}

	// One grace tick is not enough to confirm, whether or not it was consumed yet.
	h.clk.Step(time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := h.ctrl.State(); got != StateSubmitting {
		t.Fatalf("state = %s after one grace tick, want submitting", got)
	}

	// Each Step delivers at most one buffered tick; keep stepping until confirmed.
	for i := 0; i < 100 && h.ctrl.State() != StateSubmitted; i++ {
		h.clk.Step(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	if h.gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", h.gw.calls())
	}
}

func TestPumpFoldsFeed(t *testing.T) {
	feed := make(chan Violation)
	h := startPump(t, 60, feed, 0)

	feed <- Violation{Kind: "focus-lost"}
	feed <- Violation{Kind: "tab-switch"}
	waitFor(t, "violations recorded", func() bool { return h.ctrl.Progress().ViolationCount == 2 })

	close(feed)
	h.tick(t)
	if got := h.ctrl.Progress().RemainingSeconds; got != 59 {
		t.Fatalf("remaining = %d, want 59", got)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	gw := &recordingGateway{}
	clk := clocktesting.NewFakeClock(epoch)
	c := NewController(gw, WithClock(clk))
	_ = c.Start(Session{Kind: KindInterview, Questions: textQuestions(1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPump(c, clk).Run(ctx) }()
	waitFor(t, "ticker registration", clk.HasWaiters)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	waitFor(t, "ticker stopped", func() bool { return !clk.HasWaiters() })
}
