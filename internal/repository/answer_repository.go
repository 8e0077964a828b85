package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRow is an autosaved answer. Exactly one of Option and Text is set.
type AnswerRow struct {
	SessionID uuid.UUID
	Index     int
	Option    *int
	Text      *string
	SavedAt   time.Time
}

// AnswerRepository handles autosave writes to session_answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert creates or replaces the answer. An older save never overwrites a
// newer one, so requeued payloads are harmless.
func (r *AnswerRepository) Upsert(ctx context.Context, a AnswerRow) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_index, option_index, answer_text, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, question_index) DO UPDATE
		 SET option_index = EXCLUDED.option_index,
		     answer_text = EXCLUDED.answer_text,
		     updated_at = EXCLUDED.updated_at
		 WHERE session_answers.updated_at <= EXCLUDED.updated_at`,
		a.SessionID, a.Index, a.Option, a.Text, a.SavedAt,
	)
	return err
}
