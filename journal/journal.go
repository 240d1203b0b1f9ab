// Package journal keeps the outcomes of the current process in an in-memory
// SQLite table so hosts can replay recent transcripts and errors.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"murmur/log"
	"murmur/pipeline"
)

const defaultLimit = 100

type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Value     string    `json:"value"`
	At        time.Time `json:"at"`
}

type Journal struct {
	db    *sql.DB
	limit int
	sub   *pipeline.Subscription
}

// Open creates an empty journal holding at most limit entries.
func Open(ctx context.Context, limit int) (*Journal, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// every pooled connection would get its own :memory: database
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	_, err = db.ExecContext(ctx, `
CREATE TABLE outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    kind TEXT NOT NULL,
    error_kind TEXT,
    value TEXT NOT NULL,
    created_at TEXT NOT NULL
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Journal{db: db, limit: limit}, nil
}

// Attach records every outcome emitted on ch until Close.
func (j *Journal) Attach(ch *pipeline.Channel) {
	j.sub = ch.AddListener(pipeline.EventName, func(o pipeline.Outcome) {
		if err := j.Record(context.Background(), o); err != nil {
			log.Warnf("journal: %v", err)
		}
	})
}

// Record appends o and prunes the table to the configured limit. Outcomes
// with an empty value are skipped.
func (j *Journal) Record(ctx context.Context, o pipeline.Outcome) error {
	if o.Value() == "" {
		return nil
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outcomes(session_id, kind, error_kind, value, created_at) VALUES(?, ?, ?, ?, ?)`,
		o.SessionID, o.Kind.String(), o.Err.String(), o.Value(), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM outcomes WHERE id NOT IN (SELECT id FROM outcomes ORDER BY id DESC LIMIT ?)`, j.limit)
	if err != nil {
		return fmt.Errorf("prune outcomes: %w", err)
	}
	return tx.Commit()
}

// History returns up to limit of the most recent entries, oldest first.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > j.limit {
		limit = j.limit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, kind, error_kind, value, created_at FROM
		 (SELECT * FROM outcomes ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Error, &e.Value, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.At = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transcript joins the recorded transcription results with single spaces,
// the way a host appends each new value to its text.
func (j *Journal) Transcript(ctx context.Context) (string, error) {
	entries, err := j.History(ctx, 0)
	if err != nil {
		return "", err
	}
	var text string
	for _, e := range entries {
		if e.Kind != pipeline.TranscriptionResult.String() {
			continue
		}
		if text != "" {
			text += " "
		}
		text += e.Value
	}
	return text, nil
}

func (j *Journal) Close() error {
	if j.sub != nil {
		j.sub.Remove()
	}
	return j.db.Close()
}
