package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/soypete/phraseguard/pkg/banned"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseMu guards goose's package level base FS and dialect.
var gooseMu sync.Mutex

// PostgresStore is an EventStore backed by PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	mu       sync.Mutex
	migrated bool
}

// OpenPostgres connects to the database at url (a lib/pq connection
// string or postgres:// URL) and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate runs all pending migrations using goose.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.migrated {
		return nil
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.migrated = true
	return nil
}

// SaveRun inserts or replaces a run.
func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	phrases, err := json.Marshal(run.Phrases)
	if err != nil {
		return fmt.Errorf("failed to encode phrases: %w", err)
	}

	query := `
		INSERT INTO runs (id, label, epsilon, batch_size, phrases, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			epsilon = EXCLUDED.epsilon,
			batch_size = EXCLUDED.batch_size,
			phrases = EXCLUDED.phrases
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Label, run.Epsilon, run.BatchSize, phrases, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, label, epsilon, batch_size, phrases, created_at
		FROM runs
		WHERE id = $1
	`

	run := &Run{}
	var phrases []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Label,
		&run.Epsilon,
		&run.BatchSize,
		&phrases,
		&run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := json.Unmarshal(phrases, &run.Phrases); err != nil {
		return nil, fmt.Errorf("failed to decode phrases: %w", err)
	}
	return run, nil
}

// AppendEvents stores events after the run's existing events in one
// transaction.
func (s *PostgresStore) AppendEvents(ctx context.Context, runID uuid.UUID, events []banned.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the run row so concurrent appends number events consistently.
	var locked uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock run: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM mechanism_events WHERE run_id = $1`, runID,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mechanism_events (run_id, seq, kind, sequence, timestep, phrase, token, rank_offset)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		next++
		if _, err := stmt.ExecContext(ctx,
			runID, next, string(e.Kind), e.Sequence, e.Timestep, e.Phrase, e.Token, e.Offset,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// ListEvents returns a run's events in append order.
func (s *PostgresStore) ListEvents(ctx context.Context, runID uuid.UUID) ([]EventRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `
		SELECT seq, kind, sequence, timestep, phrase, token, rank_offset
		FROM mechanism_events
		WHERE run_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		rec := EventRecord{RunID: runID}
		var kind string
		err := rows.Scan(
			&rec.Seq,
			&kind,
			&rec.Event.Sequence,
			&rec.Event.Timestep,
			&rec.Event.Phrase,
			&rec.Event.Token,
			&rec.Event.Offset,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Event.Kind = banned.EventKind(kind)
		if rec.Event.Kind == banned.EventCandidatesExhausted {
			rec.Event.Err = banned.ErrCandidatesExhausted
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
