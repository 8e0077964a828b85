package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/session"
	clocktesting "k8s.io/utils/clock/testing"
)

// StepResult records how the controller took one step.
type StepResult struct {
	Step     int           `json:"step"`
	Op       string        `json:"op"`
	State    session.State `json:"state"`
	Current  int           `json:"current_index"`
	Answered int           `json:"answered_count"`
	Clock    string        `json:"clock"`
	Error    string        `json:"error,omitempty"`
}

// Report is the result of a replay.
type Report struct {
	Steps    []StepResult           `json:"steps"`
	Final    session.Progress       `json:"final"`
	Receipt  string                 `json:"receipt,omitempty"`
	Outcome  *session.Outcome       `json:"outcome,omitempty"`
	Risk     *policy.Assessment     `json:"risk,omitempty"`
	Delivery session.DeliveryStatus `json:"delivery"`
}

// Runner replays scripts against fresh controllers.
type Runner struct {
	gateway        session.Gateway
	risk           *policy.RiskPolicy
	log            zerolog.Logger
	bannerDuration time.Duration
	lowTime        int
}

// Option configures a Runner.
type Option func(*Runner)

// WithRiskPolicy applies policy after every violation, terminating the session
// when it says so.
func WithRiskPolicy(p *policy.RiskPolicy) Option {
	return func(r *Runner) { r.risk = p }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

func WithBannerDuration(d time.Duration) Option {
	return func(r *Runner) { r.bannerDuration = d }
}

func WithLowTimeThreshold(seconds int) Option {
	return func(r *Runner) { r.lowTime = seconds }
}

// NewRunner creates a Runner delivering outcomes to gw.
func NewRunner(gw session.Gateway, opts ...Option) *Runner {
	r := &Runner{
		gateway:        gw,
		log:            zerolog.Nop(),
		bannerDuration: session.DefaultBannerDuration,
		lowTime:        session.DefaultLowTimeThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays s. Step errors are recorded in the report and do not stop the
// replay, matching a live client that shows the error and carries on. A forced
// submission left unconfirmed at the end is confirmed, as the server's pump
// would.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	start := time.Now().UTC().Truncate(time.Second)
	if s.StartedAt != nil {
		start = s.StartedAt.UTC()
	}
	clk := clocktesting.NewFakeClock(start)

	ctrl := session.NewController(r.gateway,
		session.WithClock(clk),
		session.WithLogger(r.log),
		session.WithBannerDuration(r.bannerDuration),
		session.WithLowTimeThreshold(r.lowTime),
	)

	sess := s.Session.ToSession()
	sess.StartedAt = start
	if err := ctrl.Start(sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	r.log.Info().Str("session_id", ctrl.ID().String()).Int("steps", len(s.Steps)).Msg("Replay started")

	rep := &Report{Steps: make([]StepResult, 0, len(s.Steps))}
	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := r.apply(ctx, ctrl, clk, step)
		if res != nil {
			rep.Receipt = res.Receipt
		}

		p := ctrl.Progress()
		sr := StepResult{
			Step:     i,
			Op:       step.Op,
			State:    p.State,
			Current:  p.CurrentIndex,
			Answered: p.AnsweredCount,
			Clock:    p.Clock,
		}
		if err != nil {
			sr.Error = err.Error()
			r.log.Debug().Err(err).Int("step", i).Str("op", step.Op).Msg("Step rejected")
		}
		rep.Steps = append(rep.Steps, sr)
	}

	if ctrl.State() == session.StateSubmitting && ctrl.Reason().Forced() {
		res, err := ctrl.ConfirmSubmit(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("Forced submission delivery failed")
		} else if res != nil {
			rep.Receipt = res.Receipt
		}
	}

	rep.Final = ctrl.Progress()
	rep.Outcome = ctrl.Outcome()
	rep.Delivery = rep.Final.Delivery
	if r.risk != nil {
		a := r.risk.Assess(ctrl.Violations())
		rep.Risk = &a
	}
	// The report is still returned so the caller can show the frozen outcome.
	if err := ctrl.LastError(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *Runner) apply(ctx context.Context, ctrl *session.Controller, clk *clocktesting.FakeClock, step Step) (*session.SubmitResult, error) {
	switch step.Op {
	case OpTick:
		n := step.Count
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			clk.Step(time.Second)
			ctrl.Tick()
		}
	case OpAnswer:
		a, err := answerOf(step)
		if err != nil {
			return nil, err
		}
		return nil, ctrl.SelectAnswer(step.Index, a)
	case OpFlag:
		return nil, ctrl.ToggleFlag(step.Index)
	case OpNavigate:
		return nil, ctrl.Navigate(step.Index)
	case OpNext:
		ctrl.Next()
	case OpPrevious:
		ctrl.Previous()
	case OpViolation:
		if err := ctrl.RecordViolation(session.Violation{Kind: step.Kind, OccurredAt: clk.Now()}); err != nil {
			return nil, err
		}
		r.assess(ctrl)
	case OpDismiss:
		return nil, ctrl.DismissWarning(step.Seq)
	case OpSubmit:
		reason := session.CompletionReason(step.Reason)
		if reason == "" {
			reason = session.ReasonManualSubmit
		}
		return nil, ctrl.RequestSubmit(reason)
	case OpCancel:
		ctrl.CancelSubmit()
	case OpConfirm:
		return ctrl.ConfirmSubmit(ctx)
	case OpRetry:
		return ctrl.RetrySubmit(ctx)
	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
	return nil, nil
}

// assess mirrors the server's auto-terminate hook.
func (r *Runner) assess(ctrl *session.Controller) {
	if r.risk == nil || ctrl.State() != session.StateActive {
		return
	}
	a := r.risk.Assess(ctrl.Violations())
	if a.Terminate {
		r.log.Warn().Int("risk_score", a.Score).Msg("Auto-terminating session")
		_ = ctrl.RequestSubmit(session.ReasonProctorTerminated)
	}
}

func answerOf(step Step) (session.Answer, error) {
	switch {
	case step.Option != nil && step.Text == nil:
		return session.ChoiceAnswer(*step.Option), nil
	case step.Text != nil && step.Option == nil:
		return session.TextAnswer(*step.Text), nil
	default:
		return session.Answer{}, errors.New("answer step needs exactly one of option or text")
	}
}
