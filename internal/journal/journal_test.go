package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/mediabot/internal/callleg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "mediabot.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='call_events'").Scan(&count); err != nil {
		t.Fatalf("checking table: %v", err)
	}
	if count != 1 {
		t.Error("table call_events not found")
	}

	// Reopening must not reapply migrations.
	s.Close()
	s, err = Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	var migrations int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrations); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrations != 1 {
		t.Errorf("migration count = %d, want 1", migrations)
	}
}

func TestLogAndListByLeg(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []callleg.EventLogEntry{
		{CallLegID: "leg-1", CorrelationID: "corr-1", Event: callleg.EventIncomingCall, Status: "ok", Detail: "conv-1"},
		{CallLegID: "leg-2", CorrelationID: "corr-2", Event: callleg.EventIncomingCall, Status: "skipped"},
		{CallLegID: "leg-1", CorrelationID: "corr-1", Event: callleg.EventAnswerSucceeded, Status: "success"},
	}
	for _, e := range entries {
		if err := s.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	got, err := s.ListByLeg(ctx, "leg-1")
	if err != nil {
		t.Fatalf("ListByLeg: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Event != callleg.EventIncomingCall || got[1].Event != callleg.EventAnswerSucceeded {
		t.Errorf("events = %q, %q", got[0].Event, got[1].Event)
	}
	if got[0].Detail != "conv-1" {
		t.Errorf("Detail = %q, want %q", got[0].Detail, "conv-1")
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	none, err := s.ListByLeg(ctx, "leg-unknown")
	if err != nil {
		t.Fatalf("ListByLeg: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestCountByEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, e := range []callleg.EventLogEntry{
		{CallLegID: "a", CorrelationID: "c", Event: callleg.EventIncomingCall, Status: "ok"},
		{CallLegID: "b", CorrelationID: "c", Event: callleg.EventIncomingCall, Status: "ok"},
		{CallLegID: "b", CorrelationID: "c", Event: callleg.EventIncomingCall, Status: "error"},
	} {
		if err := s.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	counts, err := s.CountByEvent(ctx)
	if err != nil {
		t.Fatalf("CountByEvent: %v", err)
	}
	want := map[string]int64{"error": 1, "ok": 2}
	if len(counts) != len(want) {
		t.Fatalf("counts = %+v", counts)
	}
	for _, c := range counts {
		if c.Event != callleg.EventIncomingCall {
			t.Errorf("Event = %q, want %q", c.Event, callleg.EventIncomingCall)
		}
		if c.Count != want[c.Status] {
			t.Errorf("count[%s] = %d, want %d", c.Status, c.Count, want[c.Status])
		}
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	if err := s.Log(ctx, callleg.EventLogEntry{CallLegID: "old", CorrelationID: "c", Event: callleg.EventCleanup, Status: "ok", Timestamp: old}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := s.Log(ctx, callleg.EventLogEntry{CallLegID: "new", CorrelationID: "c", Event: callleg.EventCleanup, Status: "ok"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	n, err := s.Prune(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	if got, _ := s.ListByLeg(ctx, "old"); len(got) != 0 {
		t.Error("old event survived prune")
	}
	if got, _ := s.ListByLeg(ctx, "new"); len(got) != 1 {
		t.Error("new event was pruned")
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	got := s.rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	if want := "INSERT INTO t (a, b) VALUES ($1, $2)"; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	s.dialect = dialectSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q, want unchanged", got)
	}
}
