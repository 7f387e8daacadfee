// Package postgres persists the telemetry EventLog and closed TimeSeries
// periods. It implements telemetry.Sink.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/model"
)

const (
	defaultEventsTable  = "emulator_events"
	defaultPeriodsTable = "emulator_periods"
)

// Open connects through the pgx database/sql driver and pings the server.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Sink writes telemetry to two tables.
type Sink struct {
	db           *sql.DB
	eventsTable  string
	periodsTable string
}

// Option configures the sink.
type Option func(*Sink)

// WithEventsTable overrides the default events table name.
func WithEventsTable(table string) Option {
	return func(s *Sink) {
		if table != "" {
			s.eventsTable = table
		}
	}
}

// WithPeriodsTable overrides the default periods table name.
func WithPeriodsTable(table string) Option {
	return func(s *Sink) {
		if table != "" {
			s.periodsTable = table
		}
	}
}

// NewSink constructs a sink with the default table names.
func NewSink(db *sql.DB, opts ...Option) *Sink {
	s := &Sink{db: db, eventsTable: defaultEventsTable, periodsTable: defaultPeriodsTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) schemaStatements() []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	node_a TEXT NOT NULL,
	node_b TEXT NOT NULL,
	node TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.eventsTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	grp TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end TIMESTAMPTZ NOT NULL,
	ok INTEGER NOT NULL,
	fail INTEGER NOT NULL,
	PRIMARY KEY (grp, period_start)
)`, s.periodsTable),
	}
}

// EnsureSchema creates both tables when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres sink: nil db")
	}
	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres sink: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Sink) insertEventQuery() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	id,
	ts,
	kind,
	description,
	node_a,
	node_b,
	node
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (id) DO NOTHING`, s.eventsTable)
}

func (s *Sink) upsertPeriodQuery() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	grp,
	period_start,
	period_end,
	ok,
	fail
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (grp, period_start)
DO UPDATE SET
	period_end = EXCLUDED.period_end,
	ok = EXCLUDED.ok,
	fail = EXCLUDED.fail`, s.periodsTable)
}

// AppendEvents inserts events in one transaction. Replayed IDs are ignored.
func (s *Sink) AppendEvents(ctx context.Context, events []telemetry.Event) error {
	if s == nil || s.db == nil {
		return errors.New("postgres sink: nil db")
	}
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e.ID == "" || e.Timestamp.IsZero() {
			return errors.New("postgres sink: invalid event")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.insertEventQuery())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		node := sql.NullString{}
		if e.Node != "" {
			node = sql.NullString{String: string(e.Node), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.Timestamp.UTC(),
			string(e.Kind),
			e.Description,
			string(e.Pair.A),
			string(e.Pair.B),
			node,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AppendPeriod upserts one closed period of group.
func (s *Sink) AppendPeriod(ctx context.Context, group model.Group, p telemetry.Period) error {
	if s == nil || s.db == nil {
		return errors.New("postgres sink: nil db")
	}
	if group == "" || p.Start.IsZero() || p.End.Before(p.Start) {
		return errors.New("postgres sink: invalid period")
	}
	_, err := s.db.ExecContext(ctx, s.upsertPeriodQuery(), string(group), p.Start.UTC(), p.End.UTC(), p.OK, p.Fail)
	return err
}

// RecentEvents returns up to limit events with ts in [since, now), oldest
// first.
func (s *Sink) RecentEvents(ctx context.Context, since time.Time, limit int) ([]telemetry.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("postgres sink: nil db")
	}
	if limit <= 0 {
		return nil, errors.New("postgres sink: invalid limit")
	}

	query := fmt.Sprintf(`
SELECT id, ts, kind, description, node_a, node_b, node
FROM (
	SELECT id, ts, kind, description, node_a, node_b, node, created_at
	FROM %s
	WHERE ts >= $1
	ORDER BY ts DESC, created_at DESC
	LIMIT $2
) recent
ORDER BY ts ASC, created_at ASC`, s.eventsTable)

	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Event
	for rows.Next() {
		var (
			e          telemetry.Event
			kind, a, b string
			node       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &e.Description, &a, &b, &node); err != nil {
			return nil, err
		}
		e.Kind = telemetry.EventKind(kind)
		e.Pair = core.NewPair(model.NodeID(a), model.NodeID(b))
		if node.Valid {
			e.Node = model.NodeID(node.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ telemetry.Sink = (*Sink)(nil)
