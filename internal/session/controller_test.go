package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"
)

type recordingGateway struct {
	mu       sync.Mutex
	outcomes []Outcome
	fail     error
}

func (g *recordingGateway) Submit(_ context.Context, o Outcome) (*SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, o)
	if g.fail != nil {
		return nil, g.fail
	}
	return &SubmitResult{Receipt: "r-" + o.SessionID.String()}, nil
}

func (g *recordingGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.outcomes)
}

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func textQuestions(n int) []Question {
	qs := make([]Question, n)
	for i := range qs {
		qs[i] = Question{Kind: QuestionFreeText, Weight: 1}
	}
	return qs
}

func newExam(t *testing.T, budget int, questions []Question, opts ...Option) (*Controller, *recordingGateway, *clocktesting.FakeClock) {
	t.Helper()
	gw := &recordingGateway{}
	clk := clocktesting.NewFakeClock(epoch)
	c := NewController(gw, append([]Option{WithClock(clk)}, opts...)...)
	err := c.Start(Session{ID: uuid.New(), Kind: KindExam, Questions: questions, DurationBudget: budget})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, gw, clk
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		sess    Session
		wantErr error
	}{
		{name: "no questions", sess: Session{Kind: KindExam, DurationBudget: 60}, wantErr: ErrEmptyQuestionSet},
		{name: "zero budget exam", sess: Session{Kind: KindExam, Questions: textQuestions(1)}, wantErr: ErrInvalidBudget},
		{name: "interview without budget", sess: Session{Kind: KindInterview, Questions: textQuestions(1)}},
		{name: "exam", sess: Session{Kind: KindExam, Questions: textQuestions(2), DurationBudget: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(&recordingGateway{})
			err := c.Start(tt.sess)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			wantState := StateActive
			if tt.wantErr != nil {
				wantState = StateIdle
			}
			if got := c.State(); got != wantState {
				t.Fatalf("state = %s, want %s", got, wantState)
			}
		})
	}
}

func TestStartInitializesState(t *testing.T) {
	c, _, _ := newExam(t, 90, textQuestions(4))

	p := c.Progress()
	if p.RemainingSeconds != 90 || p.ElapsedSeconds != 0 {
		t.Fatalf("timer = %d remaining / %d elapsed, want 90/0", p.RemainingSeconds, p.ElapsedSeconds)
	}
	if p.CurrentIndex != 0 || p.AnsweredCount != 0 || p.FlaggedCount != 0 || p.ViolationCount != 0 {
		t.Fatalf("unexpected initial progress %+v", p)
	}
	if c.ID() == uuid.Nil {
		t.Fatal("session id not assigned")
	}
}

func TestTickCountsDownAndExpires(t *testing.T) {
	c, _, _ := newExam(t, 5, textQuestions(3))

	prev := c.Progress().RemainingSeconds
	for i := 0; i < 4; i++ {
		c.Tick()
		p := c.Progress()
		if p.RemainingSeconds != prev-1 {
			t.Fatalf("tick %d: remaining = %d, want %d", i+1, p.RemainingSeconds, prev-1)
		}
		if p.State != StateActive {
			t.Fatalf("tick %d: state = %s, want active", i+1, p.State)
		}
		prev = p.RemainingSeconds
	}

	c.Tick()
	p := c.Progress()
	if p.RemainingSeconds != 0 {
		t.Fatalf("remaining = %d, want 0", p.RemainingSeconds)
	}
	if p.State != StateSubmitting || p.Reason != ReasonTimeExpired {
		t.Fatalf("state/reason = %s/%s, want submitting/time-expired", p.State, p.Reason)
	}

	// Stale ticks after the transition must not move the timer.
	c.Tick()
	c.Tick()
	if got := c.Progress().RemainingSeconds; got != 0 {
		t.Fatalf("remaining after stale ticks = %d, want 0", got)
	}

	res, err := c.ConfirmSubmit(context.Background())
	if err != nil {
		t.Fatalf("ConfirmSubmit: %v", err)
	}
	if res == nil {
		t.Fatal("expected a submit result")
	}
	if got := c.Outcome().CompletionReason; got != ReasonTimeExpired {
		t.Fatalf("completion reason = %s, want time-expired", got)
	}
}

func TestInterviewTicksUp(t *testing.T) {
	c := NewController(&recordingGateway{})
	if err := c.Start(Session{Kind: KindInterview, Questions: textQuestions(2)}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		c.Tick()
	}
	p := c.Progress()
	if p.ElapsedSeconds != 1000 || p.State != StateActive {
		t.Fatalf("elapsed/state = %d/%s, want 1000/active", p.ElapsedSeconds, p.State)
	}
	if p.Clock != "16:40" {
		t.Fatalf("clock = %q, want 16:40", p.Clock)
	}
}

func TestSelectAnswerIdempotent(t *testing.T) {
	events := 0
	c, _, _ := newExam(t, 60, textQuestions(2), WithListener(func(ev Event) {
		if ev.Type == EventAnswered {
			events++
		}
	}))

	if err := c.SelectAnswer(1, TextAnswer("B")); err != nil {
		t.Fatal(err)
	}
	before := c.Answers()
	if err := c.SelectAnswer(1, TextAnswer("B")); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, c.Answers()) {
		t.Fatalf("answers changed on reselect: %v -> %v", before, c.Answers())
	}
	if events != 1 {
		t.Fatalf("answered events = %d, want 1", events)
	}
}

func TestSelectAnswerValidation(t *testing.T) {
	questions := []Question{
		{Kind: QuestionSingleChoice, Options: []string{"a", "b", "c"}, Weight: 2},
		{Kind: QuestionFreeText, Weight: 5},
	}
	c, _, _ := newExam(t, 60, questions)

	tests := []struct {
		name    string
		index   int
		answer  Answer
		wantErr error
	}{
		{name: "negative index", index: -1, answer: TextAnswer("x"), wantErr: ErrOutOfRange},
		{name: "index past end", index: 2, answer: TextAnswer("x"), wantErr: ErrOutOfRange},
		{name: "option out of range", index: 0, answer: ChoiceAnswer(3), wantErr: ErrOutOfRange},
		{name: "kind mismatch", index: 0, answer: TextAnswer("a"), wantErr: ErrAnswerKind},
		{name: "valid choice", index: 0, answer: ChoiceAnswer(2)},
		{name: "valid text", index: 1, answer: TextAnswer("essay")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := c.Answers()
			err := c.SelectAnswer(tt.index, tt.answer)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SelectAnswer() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !reflect.DeepEqual(before, c.Answers()) {
				t.Fatal("rejected answer mutated the store")
			}
		})
	}
}

func TestToggleFlagInvolution(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(3))

	_ = c.ToggleFlag(2)
	before := c.Flags()
	_ = c.ToggleFlag(1)
	_ = c.ToggleFlag(1)
	if !reflect.DeepEqual(before, c.Flags()) {
		t.Fatalf("flags = %v, want %v", c.Flags(), before)
	}
	if err := c.ToggleFlag(3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ToggleFlag(3) error = %v, want ErrOutOfRange", err)
	}
}

func TestNavigateUnanswered(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(5))
	_ = c.SelectAnswer(0, TextAnswer("A"))
	_ = c.ToggleFlag(0)
	answers, flags := c.Answers(), c.Flags()

	if err := c.Navigate(4); err != nil {
		t.Fatalf("Navigate(4): %v", err)
	}
	if got := c.Progress().CurrentIndex; got != 4 {
		t.Fatalf("cursor = %d, want 4", got)
	}
	if !reflect.DeepEqual(answers, c.Answers()) || !reflect.DeepEqual(flags, c.Flags()) {
		t.Fatal("navigation mutated answers or flags")
	}
	if err := c.Navigate(5); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Navigate(5) error = %v, want ErrOutOfRange", err)
	}
	if got := c.Progress().CurrentIndex; got != 4 {
		t.Fatalf("cursor moved on rejected navigate: %d", got)
	}
}

func TestNextPreviousClamp(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(2))

	c.Previous()
	if got := c.Progress().CurrentIndex; got != 0 {
		t.Fatalf("cursor = %d after Previous at start", got)
	}
	c.Next()
	c.Next()
	if got := c.Progress().CurrentIndex; got != 1 {
		t.Fatalf("cursor = %d after Next past end, want 1", got)
	}
}

func TestManualSubmitOutcome(t *testing.T) {
	c, gw, _ := newExam(t, 60, textQuestions(3))

	_ = c.SelectAnswer(0, TextAnswer("A"))
	_ = c.SelectAnswer(2, TextAnswer("B"))

	p := c.Progress()
	if p.AnsweredCount != 2 || p.UnansweredCount != 1 {
		t.Fatalf("answered/unanswered = %d/%d, want 2/1", p.AnsweredCount, p.UnansweredCount)
	}

	if err := c.RequestSubmit(ReasonManualSubmit); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ConfirmSubmit(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := map[int]Answer{0: TextAnswer("A"), 2: TextAnswer("B")}
	out := c.Outcome()
	if !reflect.DeepEqual(out.Answers, want) {
		t.Fatalf("outcome answers = %v, want %v", out.Answers, want)
	}
	if out.CompletionReason != ReasonManualSubmit {
		t.Fatalf("reason = %s", out.CompletionReason)
	}
	if gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls())
	}
}

func TestSubmittingRejectsMutations(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(3))
	_ = c.RequestSubmit(ReasonManualSubmit)

	before := c.Progress()
	if err := c.SelectAnswer(0, TextAnswer("late")); err != nil {
		t.Fatalf("SelectAnswer while submitting: %v", err)
	}
	_ = c.ToggleFlag(1)
	_ = c.Navigate(2)
	c.Tick()
	if after := c.Progress(); !reflect.DeepEqual(before, after) {
		t.Fatalf("progress changed while submitting:\n%+v\n%+v", before, after)
	}
}

func TestTerminalStateImmutable(t *testing.T) {
	c, gw, _ := newExam(t, 60, textQuestions(3))
	_ = c.SelectAnswer(1, TextAnswer("x"))
	_ = c.RequestSubmit(ReasonManualSubmit)
	if _, err := c.ConfirmSubmit(context.Background()); err != nil {
		t.Fatal(err)
	}

	before := c.Progress()
	answers := c.Answers()
	_ = c.SelectAnswer(0, TextAnswer("y"))
	_ = c.ToggleFlag(0)
	_ = c.Navigate(2)
	c.Tick()
	_ = c.RecordViolation(Violation{Kind: "tab-switch"})
	_ = c.RequestSubmit(ReasonManualSubmit)
	c.CancelSubmit()

	if after := c.Progress(); !reflect.DeepEqual(before, after) {
		t.Fatalf("progress changed after submit:\n%+v\n%+v", before, after)
	}
	if !reflect.DeepEqual(answers, c.Answers()) {
		t.Fatal("answers changed after submit")
	}

	// Double confirm is a no-op and does not call the gateway again.
	if _, err := c.ConfirmSubmit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls())
	}
}

func TestCancelSubmit(t *testing.T) {
	t.Run("manual returns to active", func(t *testing.T) {
		c, _, _ := newExam(t, 60, textQuestions(2))
		_ = c.RequestSubmit(ReasonManualSubmit)
		c.CancelSubmit()
		if got := c.State(); got != StateActive {
			t.Fatalf("state = %s, want active", got)
		}
		if got := c.Reason(); got != "" {
			t.Fatalf("reason = %q, want empty", got)
		}
		c.Tick()
		if got := c.Progress().RemainingSeconds; got != 59 {
			t.Fatalf("timer did not resume: %d", got)
		}
	})

	t.Run("time expired cannot be cancelled", func(t *testing.T) {
		c, _, _ := newExam(t, 1, textQuestions(2))
		c.Tick()
		c.CancelSubmit()
		if got := c.State(); got != StateSubmitting {
			t.Fatalf("state = %s, want submitting", got)
		}
	})

	t.Run("proctor terminated cannot be cancelled", func(t *testing.T) {
		c, _, _ := newExam(t, 60, textQuestions(2))
		_ = c.RequestSubmit(ReasonProctorTerminated)
		c.CancelSubmit()
		if got := c.State(); got != StateSubmitting {
			t.Fatalf("state = %s, want submitting", got)
		}
	})
}

func TestExpiryWinsOverManualSubmit(t *testing.T) {
	c, _, _ := newExam(t, 1, textQuestions(1))
	c.Tick()
	if err := c.RequestSubmit(ReasonManualSubmit); err != nil {
		t.Fatal(err)
	}
	if got := c.Reason(); got != ReasonTimeExpired {
		t.Fatalf("reason = %s, want time-expired", got)
	}
}

func TestRequestSubmitRejectsUnknownReason(t *testing.T) {
	c, _, _ := newExam(t, 60, textQuestions(1))
	if err := c.RequestSubmit("bored"); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("error = %v, want ErrInvalidReason", err)
	}
	if got := c.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
}

func TestGatewayFailureStaysSubmitted(t *testing.T) {
	c, gw, _ := newExam(t, 60, textQuestions(2))
	gw.fail = errors.New("connection refused")

	_ = c.SelectAnswer(0, TextAnswer("A"))
	_ = c.RequestSubmit(ReasonManualSubmit)
	_, err := c.ConfirmSubmit(context.Background())
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("error = %v, want ErrGatewayFailure", err)
	}
	if got := c.State(); got != StateSubmitted {
		t.Fatalf("state = %s, want submitted", got)
	}
	if got := c.Progress().Delivery; got != DeliveryFailed {
		t.Fatalf("delivery = %s, want failed", got)
	}
	frozen := c.Outcome()

	gw.mu.Lock()
	gw.fail = nil
	gw.mu.Unlock()

	res, err := c.RetrySubmit(context.Background())
	if err != nil || res == nil {
		t.Fatalf("RetrySubmit = %v, %v", res, err)
	}
	if gw.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", gw.calls())
	}
	if !reflect.DeepEqual(gw.outcomes[0], gw.outcomes[1]) {
		t.Fatal("retry delivered a different outcome")
	}
	if !reflect.DeepEqual(frozen, c.Outcome()) {
		t.Fatal("outcome recomputed on retry")
	}

	// Delivered: retry returns the stored result without another call.
	if _, err := c.RetrySubmit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gw.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", gw.calls())
	}
}

func TestConcurrentConfirmDeliversOnce(t *testing.T) {
	c, gw, _ := newExam(t, 60, textQuestions(2))
	_ = c.RequestSubmit(ReasonManualSubmit)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.ConfirmSubmit(context.Background())
		}()
	}
	wg.Wait()

	if gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls())
	}
}

func TestIdleAbsorbsActions(t *testing.T) {
	c := NewController(&recordingGateway{})
	if err := c.SelectAnswer(0, TextAnswer("x")); err != nil {
		t.Fatalf("SelectAnswer on idle: %v", err)
	}
	c.Tick()
	if res, err := c.ConfirmSubmit(context.Background()); res != nil || err != nil {
		t.Fatalf("ConfirmSubmit on idle = %v, %v", res, err)
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}
