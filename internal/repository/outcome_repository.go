package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// OutcomeRepository persists submitted outcomes.
type OutcomeRepository struct {
	pool *pgxpool.Pool
}

// NewOutcomeRepository creates a new OutcomeRepository.
func NewOutcomeRepository(pool *pgxpool.Pool) *OutcomeRepository {
	return &OutcomeRepository{pool: pool}
}

// Save stores the outcome with its answers and violation records in one
// transaction. It reports false when the session already has an outcome, in
// which case nothing is written.
func (r *OutcomeRepository) Save(ctx context.Context, receipt string, o *session.Outcome) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	flags := o.Flags
	if flags == nil {
		flags = []int{}
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO session_outcomes
		     (session_id, kind, completion_reason, answered_count, violation_count,
		      elapsed_seconds, flags, receipt, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO NOTHING`,
		o.SessionID, string(o.Kind), string(o.CompletionReason), len(o.Answers),
		o.ViolationCount, o.ElapsedSeconds, flags, receipt, o.SubmittedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(o.Answers) > 0 {
		rows := make([][]interface{}, 0, len(o.Answers))
		for index, a := range o.Answers {
			var option *int
			var text *string
			if a.Kind == session.QuestionSingleChoice {
				opt := a.Option
				option = &opt
			} else {
				t := a.Text
				text = &t
			}
			rows = append(rows, []interface{}{o.SessionID, index, option, text})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"outcome_answers"},
			[]string{"session_id", "question_index", "option_index", "answer_text"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return false, fmt.Errorf("copy outcome answers: %w", err)
		}
	}

	if err := upsertViolations(ctx, tx, o); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit outcome: %w", err)
	}
	return true, nil
}

// upsertViolations writes the final record set. Rows already streamed by the
// violation worker only get their acknowledged flag refreshed.
func upsertViolations(ctx context.Context, tx pgx.Tx, o *session.Outcome) error {
	if len(o.Violations) == 0 {
		return nil
	}

	n := len(o.Violations)
	seqs := make([]int, n)
	kinds := make([]string, n)
	occurred := make([]time.Time, n)
	acked := make([]bool, n)
	for i, v := range o.Violations {
		seqs[i] = v.Seq
		kinds[i] = v.Kind
		occurred[i] = v.OccurredAt
		acked[i] = v.Acknowledged
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO session_violations (session_id, seq, kind, occurred_at, acknowledged)
		 SELECT $1, u.seq, u.kind, u.occurred_at, u.acknowledged
		 FROM UNNEST(
		     $2::int[],
		     $3::text[],
		     $4::timestamptz[],
		     $5::bool[]
		 ) AS u (seq, kind, occurred_at, acknowledged)
		 ON CONFLICT (session_id, seq) DO UPDATE
		 SET acknowledged = EXCLUDED.acknowledged`,
		o.SessionID, seqs, kinds, occurred, acked,
	)
	if err != nil {
		return fmt.Errorf("upsert violations: %w", err)
	}
	return nil
}
