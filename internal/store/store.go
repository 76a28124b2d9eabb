// Package store keeps a history of explanation reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/inference"
)

var ErrNotFound = errors.New("report not found")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id              TEXT PRIMARY KEY,
	created_at      TIMESTAMP NOT NULL,
	source          TEXT NOT NULL,
	prediction      TEXT NOT NULL,
	confidence      REAL NOT NULL,
	probabilities   TEXT NOT NULL,
	original_base64 TEXT NOT NULL,
	gradcam_base64  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_created_at ON reports (created_at);
`

// Summary is a stored report without its images.
type Summary struct {
	ID            string                  `json:"id"`
	CreatedAt     time.Time               `json:"created_at"`
	Source        string                  `json:"source"`
	Prediction    string                  `json:"prediction"`
	Confidence    float32                 `json:"confidence"`
	Probabilities inference.Probabilities `json:"probabilities"`
}

type Report struct {
	Summary
	OriginalBase64 string `json:"original_base64"`
	GradcamBase64  string `json:"gradcam_base64"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	const op = "store.Open"
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, failure.Wrap(failure.IO, op, fmt.Errorf("failed to create schema: %w", err))
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save records a finished result under a new id.
func (s *Store) Save(ctx context.Context, source string, res *inference.Result) (*Report, error) {
	const op = "store.Save"
	probs, err := json.Marshal(res.Probabilities)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	rep := &Report{
		Summary: Summary{
			ID:            uuid.NewString(),
			CreatedAt:     s.now().UTC(),
			Source:        source,
			Prediction:    res.Prediction,
			Confidence:    res.Confidence,
			Probabilities: res.Probabilities,
		},
		OriginalBase64: res.OriginalBase64,
		GradcamBase64:  res.GradcamBase64,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, created_at, source, prediction, confidence, probabilities, original_base64, gradcam_base64)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.CreatedAt, rep.Source, rep.Prediction, rep.Confidence, string(probs),
		rep.OriginalBase64, rep.GradcamBase64)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	return rep, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	const op = "store.Get"
	if _, err := uuid.Parse(id); err != nil {
		return nil, failure.Wrap(failure.Configuration, op, fmt.Errorf("invalid report id %q: %w", id, err))
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, source, prediction, confidence, probabilities, original_base64, gradcam_base64
		 FROM reports WHERE id = ?`, id)

	var (
		rep   Report
		probs string
	)
	err := row.Scan(&rep.ID, &rep.CreatedAt, &rep.Source, &rep.Prediction, &rep.Confidence, &probs,
		&rep.OriginalBase64, &rep.GradcamBase64)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	if err := json.Unmarshal([]byte(probs), &rep.Probabilities); err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	return &rep, nil
}

// List returns the newest reports first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	const op = "store.List"
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, source, prediction, confidence, probabilities
		 FROM reports ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum   Summary
			probs string
		)
		if err := rows.Scan(&sum.ID, &sum.CreatedAt, &sum.Source, &sum.Prediction, &sum.Confidence, &probs); err != nil {
			return nil, failure.Wrap(failure.IO, op, err)
		}
		if err := json.Unmarshal([]byte(probs), &sum.Probabilities); err != nil {
			return nil, failure.Wrap(failure.IO, op, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	return out, nil
}
