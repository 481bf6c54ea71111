package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	symbol      TEXT NOT NULL DEFAULT '',
	setup       TEXT NOT NULL DEFAULT '',
	signal_id   TEXT NOT NULL DEFAULT '',
	position_id TEXT NOT NULL DEFAULT '',
	order_id    TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	quantity    INTEGER NOT NULL DEFAULT 0,
	price       DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_signal ON lifecycle_events (signal_id);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_ts ON lifecycle_events (ts);
`

// PostgresSink persists events to a lifecycle_events table.
type PostgresSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresSink connects, ensures the schema exists, and returns the sink.
func NewPostgresSink(dsn string, timeout time.Duration) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect event store: %w", err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	return &PostgresSink{db: db, timeout: timeout}, nil
}

// Emit implements Sink. Replayed events with a known id are treated as
// already recorded, not as failures.
func (s *PostgresSink) Emit(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO lifecycle_events
			(id, type, ts, symbol, setup, signal_id, position_id, order_id, reason, quantity, price)
		VALUES
			(:id, :type, :ts, :symbol, :setup, :signal_id, :position_id, :order_id, :reason, :quantity, :price)`

	if _, err := s.db.NamedExecContext(ctx, query, ev); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
