package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"k8s.io/utils/clock"
)

// AnswerStore is implemented by repository.AnswerRepository.
type AnswerStore interface {
	Upsert(ctx context.Context, a repository.AnswerRow) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	store      AnswerStore
	broker     Broker
	clock      clock.Clock
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerStore, broker Broker, clk clock.Clock, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		store:      store,
		broker:     broker,
		clock:      clk,
		retryDelay: 5 * time.Second,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

func decodeAnswer(raw string) (repository.AnswerRow, error) {
	var p model.AnswerPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return repository.AnswerRow{}, err
	}
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return repository.AnswerRow{}, fmt.Errorf("session_id %q: %w", p.SessionID, err)
	}
	if (p.Option == nil) == (p.Text == nil) {
		return repository.AnswerRow{}, fmt.Errorf("answer %s/%d needs exactly one of option or text", p.SessionID, p.Index)
	}
	return repository.AnswerRow{SessionID: id, Index: p.Index, Option: p.Option, Text: p.Text, SavedAt: p.SavedAt}, nil
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	raw, err := w.broker.Pop(ctx, config.WorkerKey.PersistAnswersQueue, PollTimeout)
	if err != nil {
		if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			w.clock.Sleep(w.retryDelay)
		}
		return
	}

	row, err := decodeAnswer(raw)
	if err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed answer payload")
		return
	}

	if err := w.store.Upsert(ctx, row); err != nil {
		log := w.log.With().Str("session_id", row.SessionID.String()).Int("index", row.Index).Logger()
		if permanent(err) {
			log.Error().Err(err).Msg("Answer rejected by database, dead-lettering")
			if perr := w.broker.Push(ctx, config.WorkerKey.DeadLetter(config.WorkerKey.PersistAnswersQueue), raw); perr != nil {
				log.Error().Err(perr).Msg("CRITICAL: Failed to dead-letter answer")
			}
			return
		}
		log.Error().Err(err).Msg("Persist error, retrying later")
		// Push back to queue for retry.
		if perr := w.broker.Push(ctx, config.WorkerKey.PersistAnswersQueue, raw); perr != nil {
			w.log.Error().Err(perr).Msg("CRITICAL: Failed to requeue answer")
		}
		w.clock.Sleep(w.retryDelay)
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.broker.Pop(ctx, config.WorkerKey.PersistAnswersQueue, 0)
		if err != nil {
			break
		}

		row, err := decodeAnswer(raw)
		if err != nil {
			w.log.Error().Err(err).Msg("Drain decode error")
			continue
		}

		if err := w.store.Upsert(ctx, row); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			_ = w.broker.Push(ctx, config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
