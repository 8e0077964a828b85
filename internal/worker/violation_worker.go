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

// ViolationStore is implemented by repository.ViolationRepository.
type ViolationStore interface {
	BulkInsert(ctx context.Context, batch []repository.ViolationRow) error
	Insert(ctx context.Context, v repository.ViolationRow) error
}

// ViolationWorker drains persist_violations_queue into session_violations in
// batches.
type ViolationWorker struct {
	store      ViolationStore
	broker     Broker
	clock      clock.Clock
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewViolationWorker(store ViolationStore, broker Broker, clk clock.Clock, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store:      store,
		broker:     broker,
		clock:      clk,
		retryDelay: 2 * time.Second,
		log:        log.With().Str("component", "violation_worker").Logger(),
	}
}

// violationItem keeps the raw payload so a failed row can be requeued as is.
type violationItem struct {
	raw string
	row repository.ViolationRow
}

func decodeViolation(raw string) (repository.ViolationRow, error) {
	var p model.ViolationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return repository.ViolationRow{}, err
	}
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		return repository.ViolationRow{}, fmt.Errorf("session_id %q: %w", p.SessionID, err)
	}
	if p.Kind == "" || p.Seq < 0 {
		return repository.ViolationRow{}, fmt.Errorf("incomplete violation payload for %s", p.SessionID)
	}
	return repository.ViolationRow{SessionID: id, Seq: p.Seq, Kind: p.Kind, OccurredAt: p.OccurredAt}, nil
}

// Start runs until ctx is cancelled, then flushes what it buffered. Call in a
// goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]violationItem, 0, BatchSize)
	lastFlush := w.clock.Now()

	for {
		// 1. Check flush conditions (time or size)
		if len(buffer) > 0 && (len(buffer) >= BatchSize || w.clock.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = w.clock.Now()
		}

		// 2. Check context (graceful shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		raw, err := w.broker.Pop(ctx, config.WorkerKey.PersistViolationsQueue, PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, backing off")
			w.clock.Sleep(w.retryDelay)
			continue
		}

		// 4. Decode; malformed payloads cannot be retried
		row, err := decodeViolation(raw)
		if err != nil {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed violation payload")
			continue
		}
		buffer = append(buffer, violationItem{raw: raw, row: row})
	}
}

// flushSafe attempts a bulk copy, then row-by-row inserts. Rows that still
// fail are requeued, or dead-lettered when the database rejected them.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []violationItem) {
	if len(batch) == 0 {
		return
	}

	rows := make([]repository.ViolationRow, len(batch))
	for i, it := range batch {
		rows[i] = it.row
	}
	err := w.store.BulkInsert(ctx, rows)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Violations flushed")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var requeue, dead []string
	for _, it := range batch {
		err := w.store.Insert(ctx, it.row)
		if err == nil {
			continue
		}
		log := w.log.With().Str("session_id", it.row.SessionID.String()).Int("seq", it.row.Seq).Logger()
		if permanent(err) {
			log.Error().Err(err).Msg("Violation rejected by database, dead-lettering")
			dead = append(dead, it.raw)
			continue
		}
		log.Error().Err(err).Msg("Insert failed, requeueing")
		requeue = append(requeue, it.raw)
	}
	if len(dead) > 0 {
		if err := w.broker.Push(ctx, config.WorkerKey.DeadLetter(config.WorkerKey.PersistViolationsQueue), dead...); err != nil {
			w.log.Error().Err(err).Int("count", len(dead)).Msg("CRITICAL: Failed to dead-letter violations. Data loss occurred.")
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []string) {
	if err := w.broker.Push(ctx, config.WorkerKey.PersistViolationsQueue, items...); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations")
	// Avoid thrashing while the database is down.
	w.clock.Sleep(w.retryDelay)
}

func (w *ViolationWorker) shutdown(buffer []violationItem) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}
