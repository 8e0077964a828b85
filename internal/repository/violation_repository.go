package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ViolationRow is one violation record as streamed from a live session.
type ViolationRow struct {
	SessionID  uuid.UUID
	Seq        int
	Kind       string
	OccurredAt time.Time
}

// ViolationRepository handles session_violations writes.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// BulkInsert copies a batch in one round trip. Any duplicate fails the whole
// batch; callers fall back to Insert.
func (r *ViolationRepository) BulkInsert(ctx context.Context, batch []ViolationRow) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []interface{}{v.SessionID, v.Seq, v.Kind, v.OccurredAt})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"session_violations"},
		[]string{"session_id", "seq", "kind", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert writes one record, ignoring a duplicate (session_id, seq).
func (r *ViolationRepository) Insert(ctx context.Context, v ViolationRow) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_violations (session_id, seq, kind, occurred_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		v.SessionID, v.Seq, v.Kind, v.OccurredAt,
	)
	return err
}
