package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/session"
	"k8s.io/utils/clock"
)

// Common session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already running")
)

// Monitor message types.
const (
	MonitorProgress  = "progress"
	MonitorRiskAlert = "risk_alert"
	MonitorTerminate = "terminated"
)

const (
	// Submitted sessions stay readable this long after delivery.
	retention      = 10 * time.Minute
	publishTimeout = 2 * time.Second
	// Events beyond this many waiting for fan-out are dropped.
	maxPendingEvents = 1024
)

// Publisher is the Redis write surface used for fan-out and autosave.
// Implemented by queue.Producer.
type Publisher interface {
	Enqueue(ctx context.Context, queue string, v any) error
	Publish(ctx context.Context, channel string, v any) error
	Stash(ctx context.Context, key, field string, v any) error
}

// FeedSource opens the violation feed of a session. Implemented by
// feed.Subscriber.
type FeedSource interface {
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan session.Violation, error)
}

// SessionView is what a candidate client renders: the progress projection
// plus the paper and the answers given so far.
type SessionView struct {
	Progress  session.Progress       `json:"progress"`
	Questions []session.Question     `json:"questions"`
	Answers   map[int]session.Answer `json:"answers"`
	Flags     []int                  `json:"flags"`
}

type liveSession struct {
	ctrl    *session.Controller
	cancel  context.CancelFunc
	done    chan struct{}
	fanDone chan struct{}
	log     zerolog.Logger
	out     *outbox

	mu       sync.Mutex
	watchers map[int]chan session.Progress
	nextID   int
	// parkedAt is when the session last entered submitting or failed
	// delivery; zero while active or delivered.
	parkedAt time.Time
}

// outbox queues the events of one session for Redis fan-out. Consecutive
// progress-only events collapse into the latest one.
type outbox struct {
	mu      sync.Mutex
	pending []session.Event
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

// push never blocks. It reports false when the event was dropped.
func (o *outbox) push(ev session.Event) bool {
	o.mu.Lock()
	n := len(o.pending)
	switch {
	case n > 0 && progressOnly(ev) && progressOnly(o.pending[n-1]):
		o.pending[n-1] = ev
	case n >= maxPendingEvents:
		o.mu.Unlock()
		return false
	default:
		o.pending = append(o.pending, ev)
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) take() []session.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	evs := o.pending
	o.pending = nil
	return evs
}

// progressOnly reports whether ev has no fan-out besides the progress
// snapshot.
func progressOnly(ev session.Event) bool {
	return ev.Type != session.EventAnswered && ev.Type != session.EventViolation
}

// SessionService keeps the live session controllers of this process, runs
// their pumps and mirrors their events to Redis.
type SessionService struct {
	cfg     *config.Config
	gateway session.Gateway
	pub     Publisher
	feed    FeedSource
	risk    *policy.RiskPolicy
	clock   clock.WithTicker
	log     zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[uuid.UUID]*liveSession
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	cfg *config.Config,
	gw session.Gateway,
	pub Publisher,
	feed FeedSource,
	risk *policy.RiskPolicy,
	clk clock.WithTicker,
	log zerolog.Logger,
) *SessionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionService{
		cfg:        cfg,
		gateway:    gw,
		pub:        pub,
		feed:       feed,
		risk:       risk,
		clock:      clk,
		log:        log.With().Str("component", "session_service").Logger(),
		baseCtx:    ctx,
		baseCancel: cancel,
		sessions:   make(map[uuid.UUID]*liveSession),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// Launch starts a controller for sess and its pump. The pump is not bound to
// any request; it stops when the session is submitted or the service shuts
// down.
func (s *SessionService) Launch(sess session.Session) (*SessionView, error) {
	if sess.ID != uuid.Nil && s.exists(sess.ID) {
		return nil, ErrSessionExists
	}

	ls := &liveSession{
		done:     make(chan struct{}),
		fanDone:  make(chan struct{}),
		out:      newOutbox(),
		watchers: make(map[int]chan session.Progress),
	}
	ls.ctrl = session.NewController(s.gateway,
		session.WithClock(s.clock),
		session.WithLogger(s.log),
		session.WithBannerDuration(s.cfg.BannerDuration),
		session.WithBannerText(policy.Message),
		session.WithLowTimeThreshold(s.cfg.LowTimeSeconds),
		session.WithListener(func(ev session.Event) { s.onEvent(ls, ev) }),
	)
	if err := ls.ctrl.Start(sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	id := ls.ctrl.ID()
	ls.log = s.log.With().Str("session_id", id.String()).Logger()

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, ErrSessionExists
	}
	s.sessions[id] = ls
	s.mu.Unlock()

	// The pump stops on submission; fan-out and reads outlive it until the
	// session is evicted.
	runCtx, stopPump := context.WithCancel(s.baseCtx)
	fanCtx, stopFanOut := context.WithCancel(s.baseCtx)
	ls.cancel = func() {
		stopPump()
		stopFanOut()
	}
	go s.fanOut(fanCtx, ls)

	feed, err := s.feed.Subscribe(runCtx, id)
	if err != nil {
		// The session still runs; violations can be reported over HTTP.
		ls.log.Warn().Err(err).Msg("Violation feed unavailable")
		feed = nil
	}

	pump := session.NewPump(ls.ctrl, s.clock,
		session.WithFeed(feed),
		session.WithForcedSubmitGrace(s.cfg.ForcedSubmitGrace),
		session.WithPumpLogger(ls.log),
	)
	go func() {
		defer close(ls.done)
		defer stopPump()
		if err := pump.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			ls.log.Error().Err(err).Msg("Session pump stopped")
		}
	}()

	ls.log.Info().Str("kind", string(sess.Kind)).Msg("Session launched")
	return s.view(ls), nil
}

// Shutdown stops every pump and waits for them, or for ctx.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.baseCancel()

	s.mu.RLock()
	live := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		live = append(live, ls)
	}
	s.mu.RUnlock()

	for _, ls := range live {
		for _, done := range []chan struct{}{ls.done, ls.fanDone} {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	s.log.Info().Int("sessions", len(live)).Msg("Session pumps stopped")
	return nil
}

// ─── Candidate operations ───────────────────────────────────────────

func (s *SessionService) View(id uuid.UUID) (*SessionView, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return s.view(ls), nil
}

func (s *SessionService) Progress(id uuid.UUID) (session.Progress, error) {
	ls, err := s.get(id)
	if err != nil {
		return session.Progress{}, err
	}
	return ls.ctrl.Progress(), nil
}

func (s *SessionService) SelectAnswer(id uuid.UUID, index int, a session.Answer) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.SelectAnswer(index, a) })
}

func (s *SessionService) ToggleFlag(id uuid.UUID, index int) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.ToggleFlag(index) })
}

func (s *SessionService) Navigate(id uuid.UUID, index int) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.Navigate(index) })
}

func (s *SessionService) Next(id uuid.UUID) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { c.Next(); return nil })
}

func (s *SessionService) Previous(id uuid.UUID) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { c.Previous(); return nil })
}

func (s *SessionService) RecordViolation(id uuid.UUID, v session.Violation) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.RecordViolation(v) })
}

func (s *SessionService) DismissWarning(id uuid.UUID, seq int) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.DismissWarning(seq) })
}

func (s *SessionService) RequestSubmit(id uuid.UUID, reason session.CompletionReason) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { return c.RequestSubmit(reason) })
}

func (s *SessionService) CancelSubmit(id uuid.UUID) (session.Progress, error) {
	return s.apply(id, func(c *session.Controller) error { c.CancelSubmit(); return nil })
}

// ConfirmSubmit freezes and delivers the outcome. On a gateway failure the
// progress is still returned alongside the error.
func (s *SessionService) ConfirmSubmit(ctx context.Context, id uuid.UUID) (*session.SubmitResult, session.Progress, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, session.Progress{}, err
	}
	res, err := ls.ctrl.ConfirmSubmit(ctx)
	return res, ls.ctrl.Progress(), err
}

// RetrySubmit re-delivers a frozen outcome after a gateway failure.
func (s *SessionService) RetrySubmit(ctx context.Context, id uuid.UUID) (*session.SubmitResult, session.Progress, error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, session.Progress{}, err
	}
	res, err := ls.ctrl.RetrySubmit(ctx)
	return res, ls.ctrl.Progress(), err
}

// Watch streams progress snapshots of session id. Slow readers only see the
// latest snapshot. Call the returned func to stop watching.
func (s *SessionService) Watch(id uuid.UUID) (<-chan session.Progress, func(), error) {
	ls, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan session.Progress, 1)
	ch <- ls.ctrl.Progress()

	ls.mu.Lock()
	wid := ls.nextID
	ls.nextID++
	ls.watchers[wid] = ch
	ls.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.watchers, wid)
			ls.mu.Unlock()
		})
	}
	return ch, stop, nil
}

// ─── Event fan-out ──────────────────────────────────────────────────

// onEvent runs on the goroutine that changed the controller, after its lock
// is released. Often that is the pump, so it must not block: Redis work is
// left to fanOut.
func (s *SessionService) onEvent(ls *liveSession, ev session.Event) {
	s.notifyWatchers(ls, ev.Progress)

	id := ev.Progress.SessionID
	switch ev.Type {
	case session.EventDelivered:
		s.unpark(ls)
		s.scheduleEviction(id, retention, nil)
	case session.EventSubmitRequested, session.EventDeliveryFailed:
		s.park(ls, id)
	case session.EventSubmitCancelled:
		s.unpark(ls)
	}

	if !ls.out.push(ev) {
		ls.log.Warn().Str("event", string(ev.Type)).Msg("Fan-out backlog full, dropping event")
	}
}

// fanOut mirrors queued events to Redis until ctx is cancelled.
func (s *SessionService) fanOut(ctx context.Context, ls *liveSession) {
	defer close(ls.fanDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ls.out.wake:
		}
		for _, ev := range ls.out.take() {
			s.publishEvent(ctx, ls, ev)
		}
	}
}

func (s *SessionService) publishEvent(ctx context.Context, ls *liveSession, ev session.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	id := ev.Progress.SessionID.String()
	log := s.log.With().Str("session_id", id).Str("event", string(ev.Type)).Logger()

	progress := ev.Progress
	if err := s.pub.Publish(ctx, config.CacheKey.SessionMonitorChannel(id), model.MonitorMessage{
		Type:     MonitorProgress,
		Progress: &progress,
		At:       s.clock.Now(),
	}); err != nil {
		log.Debug().Err(err).Msg("Monitor publish failed")
	}

	switch ev.Type {
	case session.EventAnswered:
		s.autosave(ctx, log, ev)
	case session.EventViolation:
		s.persistViolation(ctx, log, ev)
		s.assessRisk(ctx, log, ls, ev)
	}
}

func (s *SessionService) notifyWatchers(ls *liveSession, p session.Progress) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, ch := range ls.watchers {
		select {
		case ch <- p:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (s *SessionService) autosave(ctx context.Context, log zerolog.Logger, ev session.Event) {
	if ev.Answer == nil {
		return
	}
	id := ev.Progress.SessionID
	payload := model.NewAnswerPayload(id, ev.Index, *ev.Answer, s.clock.Now())

	if err := s.pub.Stash(ctx, config.CacheKey.SessionAnswersKey(id.String()), strconv.Itoa(ev.Index), ev.Answer); err != nil {
		log.Warn().Err(err).Int("index", ev.Index).Msg("Autosave cache write failed")
	}
	if err := s.pub.Enqueue(ctx, config.WorkerKey.PersistAnswersQueue, payload); err != nil {
		log.Error().Err(err).Int("index", ev.Index).Msg("Autosave enqueue failed")
	}
}

func (s *SessionService) persistViolation(ctx context.Context, log zerolog.Logger, ev session.Event) {
	if ev.Violation == nil {
		return
	}
	payload := model.ViolationPayload{
		SessionID:  ev.Progress.SessionID.String(),
		Seq:        ev.Violation.Seq,
		Kind:       ev.Violation.Kind,
		OccurredAt: ev.Violation.OccurredAt,
	}
	if err := s.pub.Enqueue(ctx, config.WorkerKey.PersistViolationsQueue, payload); err != nil {
		log.Error().Err(err).Int("seq", payload.Seq).Msg("Violation enqueue failed")
	}
}

// assessRisk applies the risk policy to the full violation history. The
// controller itself never ends a session because of violations.
func (s *SessionService) assessRisk(ctx context.Context, log zerolog.Logger, ls *liveSession, ev session.Event) {
	if s.risk == nil || ev.Violation == nil {
		return
	}
	a := s.risk.Assess(ls.ctrl.Violations())
	channel := config.CacheKey.SessionMonitorChannel(ev.Progress.SessionID.String())

	if a.Alert {
		score := a.Score
		log.Warn().Int("risk_score", score).Str("violation", ev.Violation.Kind).Msg("Risk threshold reached")
		if err := s.pub.Publish(ctx, channel, model.MonitorMessage{
			Type:      MonitorRiskAlert,
			RiskScore: &score,
			Message:   policy.Message(ev.Violation.Kind),
			At:        s.clock.Now(),
		}); err != nil {
			log.Debug().Err(err).Msg("Risk alert publish failed")
		}
	}

	if a.Terminate && ls.ctrl.State() == session.StateActive {
		score := a.Score
		log.Warn().Int("risk_score", score).Msg("Auto-terminating session")
		if err := ls.ctrl.RequestSubmit(session.ReasonProctorTerminated); err != nil {
			log.Error().Err(err).Msg("Auto-terminate failed")
			return
		}
		_ = s.pub.Publish(ctx, channel, model.MonitorMessage{
			Type:      MonitorTerminate,
			RiskScore: &score,
			At:        s.clock.Now(),
		})
	}
}

// ─── Internal helpers ───────────────────────────────────────────────

func (s *SessionService) apply(id uuid.UUID, op func(*session.Controller) error) (session.Progress, error) {
	ls, err := s.get(id)
	if err != nil {
		return session.Progress{}, err
	}
	if err := op(ls.ctrl); err != nil {
		return session.Progress{}, err
	}
	return ls.ctrl.Progress(), nil
}

func (s *SessionService) get(id uuid.UUID) (*liveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ls, nil
}

func (s *SessionService) exists(id uuid.UUID) bool {
	_, err := s.get(id)
	return err == nil
}

// scheduleEviction evicts session id after d unless the service stops first
// or keep, checked when the timer fires, says otherwise. The timer is armed
// before returning.
func (s *SessionService) scheduleEviction(id uuid.UUID, d time.Duration, keep func() bool) {
	timer := s.clock.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			if keep == nil || !keep() {
				s.evict(id)
			}
		case <-s.baseCtx.Done():
		}
	}()
}

// park starts the abandon countdown of a session that now waits on the
// candidate or on a delivery retry.
func (s *SessionService) park(ls *liveSession, id uuid.UUID) {
	if s.cfg.AbandonAfter <= 0 {
		return
	}
	now := s.clock.Now()
	ls.mu.Lock()
	ls.parkedAt = now
	ls.mu.Unlock()

	s.scheduleEviction(id, s.cfg.AbandonAfter, func() bool {
		ls.mu.Lock()
		since := ls.parkedAt
		ls.mu.Unlock()
		// Unparked, or parked again later with its own countdown.
		if since.IsZero() || s.clock.Since(since) < s.cfg.AbandonAfter {
			return true
		}
		p := ls.ctrl.Progress()
		if p.Delivery == session.DeliveryInFlight {
			// The attempt ends in delivered or in a fresh park.
			return true
		}
		ls.log.Warn().
			Str("state", string(p.State)).
			Str("delivery", string(p.Delivery)).
			Dur("parked", s.clock.Since(since)).
			Msg("Evicting abandoned session")
		return false
	})
}

func (s *SessionService) unpark(ls *liveSession) {
	ls.mu.Lock()
	ls.parkedAt = time.Time{}
	ls.mu.Unlock()
}

func (s *SessionService) evict(id uuid.UUID) {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		ls.cancel()
		ls.log.Debug().Msg("Session evicted")
	}
}

func (s *SessionService) view(ls *liveSession) *SessionView {
	return &SessionView{
		Progress:  ls.ctrl.Progress(),
		Questions: ls.ctrl.Questions(),
		Answers:   ls.ctrl.Answers(),
		Flags:     ls.ctrl.Flags(),
	}
}
