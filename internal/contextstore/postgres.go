package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists context in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS highlights (
			id BIGSERIAL PRIMARY KEY,
			start_at TIMESTAMPTZ NOT NULL,
			stop_at TIMESTAMPTZ NOT NULL,
			highlight TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS core_facts (
			position INTEGER PRIMARY KEY,
			fact TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_context (
			signature TEXT PRIMARY KEY,
			context TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS calendar_source (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			ics TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendHighlight(ctx context.Context, rec HighlightRecord) error {
	if rec.StopAt.IsZero() {
		rec.StopAt = time.Now().UTC()
	}
	if rec.StartAt.IsZero() {
		rec.StartAt = rec.StopAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO highlights (start_at, stop_at, highlight) VALUES ($1, $2, $3)`,
		rec.StartAt, rec.StopAt, rec.Highlight,
	)
	if err != nil {
		return fmt.Errorf("append highlight: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentHighlights(ctx context.Context, n int) ([]HighlightRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if n <= 0 {
		rows, err = s.pool.Query(ctx, `SELECT start_at, stop_at, highlight FROM highlights ORDER BY id DESC`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT start_at, stop_at, highlight FROM highlights ORDER BY id DESC LIMIT $1`, n)
	}
	if err != nil {
		return nil, fmt.Errorf("query highlights: %w", err)
	}
	defer rows.Close()

	var items []HighlightRecord
	for rows.Next() {
		var r HighlightRecord
		if err := rows.Scan(&r.StartAt, &r.StopAt, &r.Highlight); err != nil {
			return nil, fmt.Errorf("scan highlight row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate highlight rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) DeleteHighlight(ctx context.Context, index int) error {
	if index < 0 {
		return ErrIndexOutOfRange
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM highlights WHERE id = (SELECT id FROM highlights ORDER BY id OFFSET $1 LIMIT 1)`,
		index,
	)
	if err != nil {
		return fmt.Errorf("delete highlight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIndexOutOfRange
	}
	return nil
}

func (s *PostgresStore) CoreFacts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT fact FROM core_facts ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query core facts: %w", err)
	}
	defer rows.Close()

	var facts []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan core fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate core facts: %w", err)
	}
	return facts, nil
}

func (s *PostgresStore) SaveCoreFacts(ctx context.Context, facts []string) error {
	facts = cleanFacts(facts)
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM core_facts`); err != nil {
			return fmt.Errorf("clear core facts: %w", err)
		}
		for i, f := range facts {
			if _, err := tx.Exec(ctx, `INSERT INTO core_facts (position, fact) VALUES ($1, $2)`, i, f); err != nil {
				return fmt.Errorf("insert core fact: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) EventContext(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT signature, context FROM event_context`)
	if err != nil {
		return nil, fmt.Errorf("query event context: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan event context: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event context: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveEventContext(ctx context.Context, m map[string]string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM event_context`); err != nil {
			return fmt.Errorf("clear event context: %w", err)
		}
		for k, v := range m {
			if v == "" {
				continue
			}
			if _, err := tx.Exec(ctx, `INSERT INTO event_context (signature, context) VALUES ($1, $2)`, k, v); err != nil {
				return fmt.Errorf("insert event context: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) SaveEventContextEntry(ctx context.Context, key, text string) error {
	var err error
	if text == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM event_context WHERE signature = $1`, key)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO event_context (signature, context, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (signature) DO UPDATE SET context = EXCLUDED.context, updated_at = now()`,
			key, text,
		)
	}
	if err != nil {
		return fmt.Errorf("save event context entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) CalendarSource(ctx context.Context) (string, error) {
	var ics string
	err := s.pool.QueryRow(ctx, `SELECT ics FROM calendar_source WHERE id = 1`).Scan(&ics)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query calendar: %w", err)
	}
	return ics, nil
}

func (s *PostgresStore) SaveCalendarSource(ctx context.Context, ics string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calendar_source (id, ics, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET ics = EXCLUDED.ics, updated_at = now()`,
		ics,
	)
	if err != nil {
		return fmt.Errorf("save calendar: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
