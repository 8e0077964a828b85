package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const (
	DefaultBannerDuration   = 5 * time.Second
	DefaultLowTimeThreshold = 300
)

// EventType names a state change reported to listeners.
type EventType string

const (
	EventStarted          EventType = "started"
	EventTicked           EventType = "ticked"
	EventAnswered         EventType = "answered"
	EventFlagToggled      EventType = "flag_toggled"
	EventNavigated        EventType = "navigated"
	EventViolation        EventType = "violation"
	EventWarningDismissed EventType = "warning_dismissed"
	EventSubmitRequested  EventType = "submit_requested"
	EventSubmitCancelled  EventType = "submit_cancelled"
	EventSubmitted        EventType = "submitted"
	EventDelivered        EventType = "delivered"
	EventDeliveryFailed   EventType = "delivery_failed"
)

// Event carries the progress projection as of the change that produced it.
type Event struct {
	Type      EventType
	Progress  Progress
	Index     int
	Answer    *Answer
	Violation *ViolationRecord
	Err       error
}

// Listener observes controller events. Listeners run after the controller's
// lock is released, on the goroutine that caused the change, so they may call
// back into the controller.
type Listener func(Event)

// Option configures a Controller.
type Option func(*Controller)

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithBannerDuration sets how long a warning banner stays visible unless
// dismissed earlier.
func WithBannerDuration(d time.Duration) Option {
	return func(c *Controller) { c.bannerTTL = d }
}

// WithLowTimeThreshold sets the remaining seconds under which an exam reports
// low time.
func WithLowTimeThreshold(seconds int) Option {
	return func(c *Controller) { c.lowTime = seconds }
}

// WithBannerText sets the text shown on the warning banner of each violation
// kind.
func WithBannerText(text func(kind string) string) Option {
	return func(c *Controller) { c.bannerText = text }
}

func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// Controller owns the mutable state of one session. All mutations are
// serialized by mu; wrong-state calls are absorbed as no-ops.
type Controller struct {
	mu sync.Mutex

	gateway    Gateway
	clock      clock.PassiveClock
	log        zerolog.Logger
	bannerTTL  time.Duration
	bannerText func(kind string) string
	lowTime    int
	listeners  []Listener

	state      State
	sess       Session
	remaining  int
	elapsed    int
	cursor     int
	answers    map[int]Answer
	flags      map[int]struct{}
	violations []ViolationRecord
	banners    []Banner
	reason     CompletionReason

	outcome  *Outcome
	delivery DeliveryStatus
	attempts int
	result   *SubmitResult
	lastErr  error

	pending []Event
}

// NewController creates an idle controller that will deliver its outcome to gw.
func NewController(gw Gateway, opts ...Option) *Controller {
	c := &Controller{
		gateway:   gw,
		clock:     clock.RealClock{},
		log:       zerolog.Nop(),
		bannerTTL: DefaultBannerDuration,
		lowTime:   DefaultLowTimeThreshold,
		state:     StateIdle,
		delivery:  DeliveryNone,
		answers:   make(map[int]Answer),
		flags:     make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start moves an idle controller to active.
func (c *Controller) Start(s Session) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateIdle {
		c.absorb("start")
		return nil
	}
	if len(s.Questions) == 0 {
		return ErrEmptyQuestionSet
	}
	switch s.Kind {
	case KindExam:
		if s.DurationBudget <= 0 {
			return ErrInvalidBudget
		}
	case KindInterview:
	default:
		return fmt.Errorf("unknown session kind %q", s.Kind)
	}

	questions := make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		if q.Kind == QuestionSingleChoice && len(q.Options) == 0 {
			return fmt.Errorf("question %d: single-choice question without options", i)
		}
		q.Index = i
		q.Options = append([]string(nil), q.Options...)
		questions[i] = q
	}
	s.Questions = questions

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = c.clock.Now()
	}

	c.sess = s
	c.state = StateActive
	c.cursor = 0
	c.elapsed = 0
	if s.Kind == KindExam {
		c.remaining = s.DurationBudget
	}
	c.log = c.log.With().Str("session_id", s.ID.String()).Str("kind", string(s.Kind)).Logger()
	c.log.Info().Int("questions", len(questions)).Int("budget", s.DurationBudget).Msg("Session started")

	c.emit(Event{Type: EventStarted})
	return nil
}

// Tick advances the timer by one second. Exams that reach zero are forced
// into submitting with reason time-expired. The state is checked when the tick
// is applied, so ticks queued before a transition have no effect.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateActive {
		return
	}

	c.elapsed++
	if c.sess.Kind == KindExam {
		if c.remaining > 0 {
			c.remaining--
		}
		if c.remaining == 0 {
			c.log.Info().Msg("Time expired, forcing submission")
			c.requestSubmitLocked(ReasonTimeExpired)
			return
		}
	}
	c.emit(Event{Type: EventTicked})
}

// SelectAnswer writes the candidate's answer for question index.
func (c *Controller) SelectAnswer(index int, a Answer) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateIdle {
		c.absorb("select_answer")
		return nil
	}
	if err := c.checkIndex(index); err != nil {
		return err
	}

	q := c.sess.Questions[index]
	if a.Kind != q.Kind {
		return fmt.Errorf("question %d is %s: %w", index, q.Kind, ErrAnswerKind)
	}
	switch a.Kind {
	case QuestionSingleChoice:
		if a.Option < 0 || a.Option >= len(q.Options) {
			return fmt.Errorf("option %d of question %d: %w", a.Option, index, ErrOutOfRange)
		}
		a.Text = ""
	case QuestionFreeText:
		a.Option = 0
	}

	if c.state != StateActive {
		c.absorb("select_answer")
		return nil
	}
	if prev, ok := c.answers[index]; ok && prev == a {
		return nil
	}

	c.answers[index] = a
	c.emit(Event{Type: EventAnswered, Index: index, Answer: &a})
	return nil
}

// ToggleFlag flips the review marker of question index.
func (c *Controller) ToggleFlag(index int) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateIdle {
		c.absorb("toggle_flag")
		return nil
	}
	if err := c.checkIndex(index); err != nil {
		return err
	}
	if c.state != StateActive {
		c.absorb("toggle_flag")
		return nil
	}

	if _, ok := c.flags[index]; ok {
		delete(c.flags, index)
	} else {
		c.flags[index] = struct{}{}
	}
	c.emit(Event{Type: EventFlagToggled, Index: index})
	return nil
}

// Navigate moves the cursor. The current question need not be answered.
func (c *Controller) Navigate(index int) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateIdle {
		c.absorb("navigate")
		return nil
	}
	if err := c.checkIndex(index); err != nil {
		return err
	}
	if c.state != StateActive {
		c.absorb("navigate")
		return nil
	}
	c.moveLocked(index)
	return nil
}

// Next moves to the following question; no-op on the last one.
func (c *Controller) Next() {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateActive {
		c.absorb("next")
		return
	}
	if c.cursor+1 < len(c.sess.Questions) {
		c.moveLocked(c.cursor + 1)
	}
}

// Previous moves to the preceding question; no-op on the first one.
func (c *Controller) Previous() {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateActive {
		c.absorb("previous")
		return
	}
	if c.cursor > 0 {
		c.moveLocked(c.cursor - 1)
	}
}

func (c *Controller) moveLocked(index int) {
	if index == c.cursor {
		return
	}
	c.cursor = index
	c.emit(Event{Type: EventNavigated, Index: index})
}

// RecordViolation appends a violation record and opens its warning banner.
// It never changes the cursor or timer and never ends the session; acting on
// accumulated violations is left to the caller's policy.
func (c *Controller) RecordViolation(v Violation) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateActive {
		c.absorb("record_violation")
		return nil
	}

	now := c.clock.Now()
	if v.OccurredAt.IsZero() {
		v.OccurredAt = now
	}
	rec := ViolationRecord{
		Seq:        len(c.violations),
		Kind:       v.Kind,
		OccurredAt: v.OccurredAt,
	}
	c.violations = append(c.violations, rec)
	banner := Banner{
		Seq:       rec.Seq,
		Kind:      rec.Kind,
		ShownAt:   now,
		ExpiresAt: now.Add(c.bannerTTL),
	}
	if c.bannerText != nil {
		banner.Message = c.bannerText(rec.Kind)
	}
	c.banners = append(c.banners, banner)

	c.log.Warn().Str("violation", rec.Kind).Int("count", len(c.violations)).Msg("Integrity violation recorded")
	c.emit(Event{Type: EventViolation, Index: rec.Seq, Violation: &rec})
	return nil
}

// DismissWarning acknowledges the banner of violation seq. The record and the
// violation count are unaffected, as are other banners.
func (c *Controller) DismissWarning(seq int) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateIdle {
		c.absorb("dismiss_warning")
		return nil
	}
	if seq < 0 || seq >= len(c.violations) {
		return fmt.Errorf("warning %d: %w", seq, ErrOutOfRange)
	}
	if c.state != StateActive && c.state != StateSubmitting {
		c.absorb("dismiss_warning")
		return nil
	}
	if c.violations[seq].Acknowledged {
		return nil
	}

	c.violations[seq].Acknowledged = true
	rec := c.violations[seq]
	c.emit(Event{Type: EventWarningDismissed, Index: seq, Violation: &rec})
	return nil
}

// RequestSubmit moves an active session to submitting. Unanswered questions
// never block the request.
func (c *Controller) RequestSubmit(reason CompletionReason) error {
	if !reason.Valid() {
		return fmt.Errorf("%q: %w", reason, ErrInvalidReason)
	}

	c.mu.Lock()
	defer c.unlock()

	if c.state != StateActive {
		c.absorb("request_submit")
		return nil
	}
	c.requestSubmitLocked(reason)
	return nil
}

func (c *Controller) requestSubmitLocked(reason CompletionReason) {
	c.state = StateSubmitting
	c.reason = reason
	c.log.Info().
		Str("reason", string(reason)).
		Int("answered", len(c.answers)).
		Int("unanswered", len(c.sess.Questions)-len(c.answers)).
		Msg("Submission requested")
	c.emit(Event{Type: EventSubmitRequested})
}

// CancelSubmit returns a submitting session to active. Forced submissions
// (time-expired, proctor-terminated) cannot be cancelled.
func (c *Controller) CancelSubmit() {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateSubmitting {
		c.absorb("cancel_submit")
		return
	}
	if c.reason.Forced() {
		c.log.Debug().Str("reason", string(c.reason)).Msg("Forced submission cannot be cancelled")
		return
	}

	c.state = StateActive
	c.reason = ""
	c.emit(Event{Type: EventSubmitCancelled})
}

// ConfirmSubmit freezes the outcome, enters submitted and delivers the outcome
// to the gateway. Further calls return the recorded result without another
// delivery. A gateway failure leaves the session submitted; use RetrySubmit to
// re-deliver the same outcome.
func (c *Controller) ConfirmSubmit(ctx context.Context) (*SubmitResult, error) {
	c.mu.Lock()

	switch c.state {
	case StateSubmitted:
		res := c.result
		c.unlock()
		return res, nil
	case StateSubmitting:
	default:
		c.absorb("confirm_submit")
		c.unlock()
		return nil, nil
	}

	c.outcome = c.snapshotLocked()
	c.state = StateSubmitted
	c.log.Info().
		Str("reason", string(c.reason)).
		Int("answered", len(c.answers)).
		Int("violations", len(c.violations)).
		Msg("Session submitted")
	c.emit(Event{Type: EventSubmitted})

	return c.deliverLocked(ctx)
}

// RetrySubmit re-delivers the frozen outcome after a failed delivery.
func (c *Controller) RetrySubmit(ctx context.Context) (*SubmitResult, error) {
	c.mu.Lock()

	if c.state != StateSubmitted {
		c.absorb("retry_submit")
		c.unlock()
		return nil, nil
	}
	switch c.delivery {
	case DeliveryDelivered:
		res := c.result
		c.unlock()
		return res, nil
	case DeliveryInFlight:
		c.unlock()
		return nil, ErrSubmitInFlight
	}
	return c.deliverLocked(ctx)
}

// deliverLocked is entered with mu held and returns with it released.
func (c *Controller) deliverLocked(ctx context.Context) (*SubmitResult, error) {
	c.delivery = DeliveryInFlight
	c.attempts++
	attempt := c.attempts
	outcome := cloneOutcome(c.outcome)
	log := c.log
	c.unlock()

	res, err := c.gateway.Submit(ctx, outcome)

	c.mu.Lock()
	defer c.unlock()

	if err != nil {
		gerr := &GatewayError{Attempt: attempt, Err: err}
		c.delivery = DeliveryFailed
		c.lastErr = gerr
		log.Error().Err(err).Int("attempt", attempt).Msg("Outcome delivery failed")
		c.emit(Event{Type: EventDeliveryFailed, Err: gerr})
		return nil, gerr
	}

	c.delivery = DeliveryDelivered
	c.result = res
	c.lastErr = nil
	ev := log.Info().Int("attempt", attempt)
	if res != nil {
		ev = ev.Str("receipt", res.Receipt)
	}
	ev.Msg("Outcome delivered")
	c.emit(Event{Type: EventDelivered})
	return res, nil
}

func (c *Controller) snapshotLocked() *Outcome {
	answers := make(map[int]Answer, len(c.answers))
	for k, v := range c.answers {
		answers[k] = v
	}
	flags := make([]int, 0, len(c.flags))
	for k := range c.flags {
		flags = append(flags, k)
	}
	sort.Ints(flags)

	return &Outcome{
		SessionID:        c.sess.ID,
		Kind:             c.sess.Kind,
		Answers:          answers,
		Flags:            flags,
		ViolationCount:   len(c.violations),
		Violations:       append([]ViolationRecord(nil), c.violations...),
		CompletionReason: c.reason,
		ElapsedSeconds:   c.elapsed,
		SubmittedAt:      c.clock.Now(),
	}
}

func cloneOutcome(o *Outcome) Outcome {
	out := *o
	out.Answers = make(map[int]Answer, len(o.Answers))
	for k, v := range o.Answers {
		out.Answers[k] = v
	}
	out.Flags = append([]int(nil), o.Flags...)
	out.Violations = append([]ViolationRecord(nil), o.Violations...)
	return out
}

// ─── Accessors ──────────────────────────────────────────────────────

func (c *Controller) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.ID
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the pending or final completion reason, empty while active.
func (c *Controller) Reason() CompletionReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

// Answers returns a copy of the answer store.
func (c *Controller) Answers() map[int]Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]Answer, len(c.answers))
	for k, v := range c.answers {
		out[k] = v
	}
	return out
}

// Flags returns the flagged indices in ascending order.
func (c *Controller) Flags() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.flags))
	for k := range c.flags {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (c *Controller) Violations() []ViolationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ViolationRecord(nil), c.violations...)
}

func (c *Controller) Questions() []Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Question(nil), c.sess.Questions...)
}

// Outcome returns the frozen outcome, or nil before submission.
func (c *Controller) Outcome() *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return nil
	}
	out := cloneOutcome(c.outcome)
	return &out
}

// LastError returns the most recent delivery failure, nil once delivered.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ─── Internal helpers ───────────────────────────────────────────────

func (c *Controller) checkIndex(index int) error {
	if index < 0 || index >= len(c.sess.Questions) {
		return fmt.Errorf("question %d of %d: %w", index, len(c.sess.Questions), ErrOutOfRange)
	}
	return nil
}

func (c *Controller) absorb(op string) {
	c.log.Debug().
		Str("op", op).
		Str("state", string(c.state)).
		Err(ErrInvalidTransition).
		Msg("Absorbed action")
}

func (c *Controller) emit(ev Event) {
	if len(c.listeners) == 0 {
		return
	}
	ev.Progress = c.progressLocked()
	c.pending = append(c.pending, ev)
}

// unlock releases mu and then dispatches the events queued while it was held.
func (c *Controller) unlock() {
	events := c.pending
	c.pending = nil
	listeners := c.listeners
	c.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}
