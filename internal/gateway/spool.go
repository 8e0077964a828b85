package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps keep ORDER BY submitted_at chronological.
const spoolTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrOutcomeNotFound is returned by Spool.Get for an unknown session.
var ErrOutcomeNotFound = errors.New("outcome not found")

// Spool is a submission gateway backed by a local SQLite file. Submitting the
// same session twice keeps the first outcome and returns its receipt.
type Spool struct {
	db    *sql.DB
	clock clock.PassiveClock
}

var _ session.Gateway = (*Spool)(nil)

// OpenSpool opens or creates the spool at path; use ":memory:" for tests.
func OpenSpool(path string, clk clock.PassiveClock) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open database: %w", err)
	}
	// Every :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: ping database: %w", err)
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS outcomes (
			session_id        TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			completion_reason TEXT NOT NULL,
			answered_count    INTEGER NOT NULL,
			violation_count   INTEGER NOT NULL,
			elapsed_seconds   INTEGER NOT NULL,
			receipt           TEXT NOT NULL,
			outcome_json      TEXT NOT NULL,
			submitted_at      TEXT NOT NULL,
			accepted_at       TEXT NOT NULL
		);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: create table: %w", err)
	}

	return &Spool{db: db, clock: clk}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Submit stores the outcome.
func (s *Spool) Submit(ctx context.Context, outcome session.Outcome) (*session.SubmitResult, error) {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("spool: marshal outcome: %w", err)
	}

	res := &session.SubmitResult{
		Receipt:    uuid.New().String(),
		AcceptedAt: s.clock.Now().UTC(),
	}

	query := `
		INSERT INTO outcomes (session_id, kind, completion_reason, answered_count,
			violation_count, elapsed_seconds, receipt, outcome_json, submitted_at, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		outcome.SessionID.String(),
		string(outcome.Kind),
		string(outcome.CompletionReason),
		len(outcome.Answers),
		outcome.ViolationCount,
		outcome.ElapsedSeconds,
		res.Receipt,
		string(raw),
		outcome.SubmittedAt.UTC().Format(spoolTimeLayout),
		res.AcceptedAt.Format(spoolTimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("spool: insert outcome: %w", err)
	}

	// On conflict the stored receipt wins.
	var receipt, acceptedAt string
	row := s.db.QueryRowContext(ctx, `SELECT receipt, accepted_at FROM outcomes WHERE session_id = ?`, outcome.SessionID.String())
	if err := row.Scan(&receipt, &acceptedAt); err != nil {
		return nil, fmt.Errorf("spool: read receipt: %w", err)
	}
	res.Receipt = receipt
	if t, err := time.Parse(spoolTimeLayout, acceptedAt); err == nil {
		res.AcceptedAt = t
	}
	return res, nil
}

// Get returns the stored outcome and receipt of session id.
func (s *Spool) Get(ctx context.Context, id uuid.UUID) (*session.Outcome, string, error) {
	var raw, receipt string
	row := s.db.QueryRowContext(ctx, `SELECT outcome_json, receipt FROM outcomes WHERE session_id = ?`, id.String())
	if err := row.Scan(&raw, &receipt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrOutcomeNotFound
		}
		return nil, "", fmt.Errorf("spool: scan outcome: %w", err)
	}

	var out session.Outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, "", fmt.Errorf("spool: unmarshal outcome: %w", err)
	}
	return &out, receipt, nil
}

// List returns stored outcomes, most recently submitted first.
func (s *Spool) List(ctx context.Context, limit int) ([]model.StoredOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, kind, completion_reason, answered_count, violation_count,
			elapsed_seconds, receipt, submitted_at
		FROM outcomes
		ORDER BY submitted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("spool: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.StoredOutcome
	for rows.Next() {
		var (
			o           model.StoredOutcome
			id          string
			submittedAt string
		)
		if err := rows.Scan(&id, &o.Kind, &o.CompletionReason, &o.AnsweredCount,
			&o.ViolationCount, &o.ElapsedSeconds, &o.Receipt, &submittedAt); err != nil {
			return nil, fmt.Errorf("spool: scan row: %w", err)
		}
		if o.SessionID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("spool: parse session id %q: %w", id, err)
		}
		if o.SubmittedAt, err = time.Parse(spoolTimeLayout, submittedAt); err != nil {
			return nil, fmt.Errorf("spool: parse submitted_at %q: %w", submittedAt, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
