package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"k8s.io/utils/clock"
)

// OutcomeStore is implemented by repository.OutcomeRepository.
type OutcomeStore interface {
	Save(ctx context.Context, receipt string, o *session.Outcome) (bool, error)
}

// OutcomeWorker drains persist_outcomes_queue into session_outcomes and
// clears the autosave buffers of sessions it recorded.
type OutcomeWorker struct {
	store      OutcomeStore
	broker     Broker
	clock      clock.Clock
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewOutcomeWorker(store OutcomeStore, broker Broker, clk clock.Clock, log zerolog.Logger) *OutcomeWorker {
	return &OutcomeWorker{
		store:      store,
		broker:     broker,
		clock:      clk,
		retryDelay: 2 * time.Second,
		log:        log.With().Str("component", "outcome_worker").Logger(),
	}
}

type outcomeItem struct {
	raw     string
	payload model.OutcomePayload
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *OutcomeWorker) Start(ctx context.Context) {
	w.log.Info().Msg("OutcomeWorker started")

	batch := make([]outcomeItem, 0, BatchSize)
	lastFlush := w.clock.Now()

	for {
		if len(batch) > 0 && (len(batch) >= BatchSize || w.clock.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = w.clock.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("buffered", len(batch)).Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			raw, err := w.broker.Pop(ctx, config.WorkerKey.PersistOutcomesQueue, PollTimeout)
			if err != nil {
				if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					w.clock.Sleep(w.retryDelay)
				}
				continue
			}

			var p model.OutcomePayload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				w.log.Error().Err(err).Str("data", raw).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, outcomeItem{raw: raw, payload: p})
		}
	}
}

// ----------------------------------------------------------------
// Batch persistence
// ----------------------------------------------------------------

// flushSafe saves each outcome in its own transaction, requeues failures the
// database may recover from, dead-letters the ones it rejected and clears the
// autosave buffers of everything that is now durable.
func (w *OutcomeWorker) flushSafe(ctx context.Context, batch []outcomeItem) {
	if len(batch) == 0 {
		return
	}

	var (
		requeue []string
		dead    []string
		cleared []string
	)
	for _, it := range batch {
		o := it.payload.Outcome
		log := w.log.With().Str("session_id", o.SessionID.String()).Logger()

		created, err := w.store.Save(ctx, it.payload.Receipt, &o)
		if err != nil {
			if permanent(err) {
				// The autosave buffer stays as the only other copy.
				log.Error().Err(err).Str("receipt", it.payload.Receipt).Msg("Outcome rejected by database, dead-lettering")
				dead = append(dead, it.raw)
				continue
			}
			log.Error().Err(err).Msg("Outcome save failed, requeueing")
			requeue = append(requeue, it.raw)
			continue
		}
		if created {
			log.Info().
				Str("reason", string(o.CompletionReason)).
				Int("answered", len(o.Answers)).
				Int("violations", o.ViolationCount).
				Msg("Outcome recorded")
		} else {
			log.Warn().Str("receipt", it.payload.Receipt).Msg("Outcome already recorded, skipping")
		}
		cleared = append(cleared, config.CacheKey.SessionAnswersKey(o.SessionID.String()))
	}

	// After successful saves, delete autosave buffers in Redis
	if err := w.broker.Del(ctx, cleared...); err != nil {
		w.log.Warn().Err(err).Int("count", len(cleared)).Msg("Failed to clear autosave buffers")
	}

	if len(dead) > 0 {
		if err := w.broker.Push(ctx, config.WorkerKey.DeadLetter(config.WorkerKey.PersistOutcomesQueue), dead...); err != nil {
			w.log.Error().Err(err).Int("count", len(dead)).Msg("CRITICAL: Failed to dead-letter outcomes. Data loss occurred.")
		}
	}

	if len(requeue) > 0 {
		if err := w.broker.Push(ctx, config.WorkerKey.PersistOutcomesQueue, requeue...); err != nil {
			w.log.Error().Err(err).Int("count", len(requeue)).Msg("CRITICAL: Failed to requeue outcomes. Data loss occurred.")
			return
		}
		w.log.Info().Int("count", len(requeue)).Msg("Requeued failed outcomes")
		w.clock.Sleep(w.retryDelay)
	}
}
