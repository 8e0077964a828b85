// Package gateway provides the submission gateways outcomes are delivered to:
// a Redis queue drained into PostgreSQL for the server, and a SQLite spool for
// headless sessions.
package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"k8s.io/utils/clock"
)

// Enqueuer is the subset of queue.Producer the queue gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, v any) error
	Remember(ctx context.Context, key string, v any) error
}

// QueueGateway hands outcomes to the outcome worker through
// persist_outcomes_queue. The receipt is issued here; the worker stores it
// with the outcome.
type QueueGateway struct {
	q     Enqueuer
	clock clock.PassiveClock
	log   zerolog.Logger
}

var _ session.Gateway = (*QueueGateway)(nil)

// NewQueueGateway creates a new QueueGateway.
func NewQueueGateway(q Enqueuer, clk clock.PassiveClock, log zerolog.Logger) *QueueGateway {
	return &QueueGateway{
		q:     q,
		clock: clk,
		log:   log.With().Str("component", "queue_gateway").Logger(),
	}
}

// Submit enqueues the outcome. Failing to remember the receipt afterwards is
// logged only; the outcome itself is already queued.
func (g *QueueGateway) Submit(ctx context.Context, outcome session.Outcome) (*session.SubmitResult, error) {
	res := &session.SubmitResult{
		Receipt:    uuid.New().String(),
		AcceptedAt: g.clock.Now(),
	}

	payload := model.OutcomePayload{Receipt: res.Receipt, Outcome: outcome}
	if err := g.q.Enqueue(ctx, config.WorkerKey.PersistOutcomesQueue, payload); err != nil {
		return nil, fmt.Errorf("enqueue outcome: %w", err)
	}

	key := config.CacheKey.SessionOutcomeKey(outcome.SessionID.String())
	if err := g.q.Remember(ctx, key, res); err != nil {
		g.log.Warn().Err(err).Str("session_id", outcome.SessionID.String()).Msg("Failed to cache receipt")
	}
	return res, nil
}
