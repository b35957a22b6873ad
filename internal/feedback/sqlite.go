package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"insight-resolver/internal/modal"
)

const feedbackSchema = `
CREATE TABLE IF NOT EXISTS feedback (
	key                    TEXT PRIMARY KEY,
	verdict                TEXT NOT NULL,
	adjusted_confidence    INTEGER NOT NULL,
	correction_note        TEXT NOT NULL DEFAULT '',
	updated_output         TEXT,
	updated_reasoning_hint TEXT,
	submitted_at           TIMESTAMP NOT NULL
)`

// SQLiteBackend persists feedback in a single sqlite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open feedback db failed: %w", err)
	}
	b := NewSQLiteBackend(db)
	if err := b.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// Migrate creates the feedback table if it does not exist.
func (b *SQLiteBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, feedbackSchema); err != nil {
		return fmt.Errorf("migrate feedback schema failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Put upserts the row for key; every column is replaced.
func (b *SQLiteBackend) Put(ctx context.Context, key string, fb modal.Feedback) error {
	query := `
		INSERT INTO feedback (key, verdict, adjusted_confidence, correction_note,
		                      updated_output, updated_reasoning_hint, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			verdict = excluded.verdict,
			adjusted_confidence = excluded.adjusted_confidence,
			correction_note = excluded.correction_note,
			updated_output = excluded.updated_output,
			updated_reasoning_hint = excluded.updated_reasoning_hint,
			submitted_at = excluded.submitted_at
	`
	_, err := b.db.ExecContext(ctx, query,
		key, string(fb.Verdict), fb.AdjustedConfidence, fb.CorrectionNote,
		nullString(fb.UpdatedOutput), nullString(fb.UpdatedReasoningHint),
		fb.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save feedback failed: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (modal.Feedback, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT key, verdict, adjusted_confidence, correction_note,
		       updated_output, updated_reasoning_hint, submitted_at
		FROM feedback WHERE key = ?`, key)

	_, fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return modal.Feedback{}, false, nil
	}
	if err != nil {
		return modal.Feedback{}, false, fmt.Errorf("get feedback failed: %w", err)
	}
	return fb, true, nil
}

func (b *SQLiteBackend) ListByPrefix(ctx context.Context, prefix string) (map[string]modal.Feedback, error) {
	// substr avoids LIKE wildcard escaping for ids containing % or _.
	rows, err := b.db.QueryContext(ctx, `
		SELECT key, verdict, adjusted_confidence, correction_note,
		       updated_output, updated_reasoning_hint, submitted_at
		FROM feedback WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list feedback failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]modal.Feedback)
	for rows.Next() {
		key, fb, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback failed: %w", err)
		}
		out[key] = fb
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeedback(s scanner) (string, modal.Feedback, error) {
	var (
		key, verdict, note string
		confidence         int
		output, hint       sql.NullString
		submittedAt        time.Time
	)
	if err := s.Scan(&key, &verdict, &confidence, &note, &output, &hint, &submittedAt); err != nil {
		return "", modal.Feedback{}, err
	}
	fb := modal.Feedback{
		Verdict:            modal.Verdict(verdict),
		AdjustedConfidence: confidence,
		CorrectionNote:     note,
		SubmittedAt:        submittedAt.UTC(),
	}
	if output.Valid {
		fb.UpdatedOutput = &output.String
	}
	if hint.Valid {
		fb.UpdatedReasoningHint = &hint.String
	}
	return key, fb, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
