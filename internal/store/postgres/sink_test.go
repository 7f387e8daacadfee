package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/model"
)

func TestNilDBGuards(t *testing.T) {
	ctx := context.Background()
	var nilSink *Sink
	s := NewSink(nil)

	for name, err := range map[string]error{
		"append events (nil sink)": nilSink.AppendEvents(ctx, []telemetry.Event{{ID: "x"}}),
		"append events":            s.AppendEvents(ctx, []telemetry.Event{{ID: "x"}}),
		"append period":            s.AppendPeriod(ctx, model.GroupStable, telemetry.Period{}),
		"ensure schema":            s.EnsureSchema(ctx),
	} {
		if err == nil || !strings.Contains(err.Error(), "nil db") {
			t.Fatalf("%s: err = %v, want nil db error", name, err)
		}
	}
	if _, err := s.RecentEvents(ctx, time.Time{}, 10); err == nil {
		t.Fatalf("RecentEvents: expected nil db error")
	}
	if _, err := Open(ctx, ""); err == nil {
		t.Fatalf("Open: expected error for empty dsn")
	}
}

func TestQueriesUseConfiguredTables(t *testing.T) {
	s := NewSink(nil, WithEventsTable("ev"), WithPeriodsTable("per"), WithEventsTable(""))

	if q := s.insertEventQuery(); !strings.Contains(q, "INSERT INTO ev (") || !strings.Contains(q, "ON CONFLICT (id) DO NOTHING") {
		t.Fatalf("event insert query:\n%s", q)
	}
	q := s.upsertPeriodQuery()
	if !strings.Contains(q, "INSERT INTO per (") || !strings.Contains(q, "ON CONFLICT (grp, period_start)") {
		t.Fatalf("period upsert query:\n%s", q)
	}
	if strings.Count(q, "$") != 5 {
		t.Fatalf("period upsert binds %d parameters, want 5", strings.Count(q, "$"))
	}

	schema := s.schemaStatements()
	if len(schema) != 2 || !strings.Contains(schema[0], "CREATE TABLE IF NOT EXISTS ev") || !strings.Contains(schema[1], "PRIMARY KEY (grp, period_start)") {
		t.Fatalf("schema statements = %q", schema)
	}

	def := NewSink(nil)
	if !strings.Contains(def.insertEventQuery(), defaultEventsTable) {
		t.Fatalf("default events table not used")
	}
}

func TestSink_Postgres(t *testing.T) {
	dsn := os.Getenv("EMU_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("EMU_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	suffix := time.Now().Format("150405")
	s := NewSink(db, WithEventsTable("it_events_"+suffix), WithPeriodsTable("it_periods_"+suffix))
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.eventsTable)
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.periodsTable)
	}()

	at := time.Date(2025, time.January, 1, 0, 0, 30, 0, time.UTC)
	events := []telemetry.Event{
		{ID: "e1", Timestamp: at, Kind: telemetry.EventLinkUp, Description: "up", Pair: core.NewPair("R0_0", "R0_1")},
		{ID: "e2", Timestamp: at.Add(time.Second), Kind: telemetry.EventDispatchFailed, Description: "failed", Pair: core.NewPair("R0_0", "R0_1"), Node: "R0_1"},
	}
	if err := s.AppendEvents(ctx, events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if err := s.AppendEvents(ctx, events[:1]); err != nil {
		t.Fatalf("AppendEvents replay: %v", err)
	}
	got, err := s.RecentEvents(ctx, at, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e1" || got[1].Node != "R0_1" {
		t.Fatalf("events = %+v", got)
	}

	p := telemetry.Period{Start: at, End: at.Add(time.Minute), OK: 3, Fail: 1}
	if err := s.AppendPeriod(ctx, model.GroupDynamic, p); err != nil {
		t.Fatalf("AppendPeriod: %v", err)
	}
}
