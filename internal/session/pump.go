package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Pump folds one-second clock ticks and violation feed events into a
// controller from a single goroutine. It also completes forced submissions,
// which no candidate dialog will confirm, after a grace period counted in
// ticks.
type Pump struct {
	ctrl  *Controller
	clock clock.WithTicker
	feed  <-chan Violation
	grace int
	log   zerolog.Logger
}

// PumpOption configures a Pump.
type PumpOption func(*Pump)

// WithFeed subscribes the pump to a violation feed. A closed feed is ignored
// from then on.
func WithFeed(feed <-chan Violation) PumpOption {
	return func(p *Pump) { p.feed = feed }
}

// WithForcedSubmitGrace sets how many ticks a forced submission waits in
// submitting before the pump confirms it.
func WithForcedSubmitGrace(ticks int) PumpOption {
	return func(p *Pump) {
		if ticks >= 0 {
			p.grace = ticks
		}
	}
}

func WithPumpLogger(log zerolog.Logger) PumpOption {
	return func(p *Pump) { p.log = log }
}

func NewPump(ctrl *Controller, clk clock.WithTicker, opts ...PumpOption) *Pump {
	p := &Pump{
		ctrl:  ctrl,
		clock: clk,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the session is submitted or ctx is cancelled. The ticker is
// stopped on return.
func (p *Pump) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(time.Second)
	defer ticker.Stop()

	feed := p.feed
	forcedFor := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case v, ok := <-feed:
			if !ok {
				p.log.Debug().Msg("Violation feed closed")
				feed = nil
				continue
			}
			_ = p.ctrl.RecordViolation(v)

		case <-ticker.C():
			p.ctrl.Tick()

			switch p.ctrl.State() {
			case StateSubmitted:
				return nil
			case StateSubmitting:
				if !p.ctrl.Reason().Forced() {
					forcedFor = 0
					continue
				}
				if forcedFor < p.grace {
					forcedFor++
					continue
				}
				if _, err := p.ctrl.ConfirmSubmit(ctx); err != nil {
					// The session stays submitted; delivery can be retried by the caller.
					p.log.Error().Err(err).Msg("Forced submission delivery failed")
				}
				return nil
			default:
				forcedFor = 0
			}
		}
	}
}
