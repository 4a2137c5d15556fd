package audit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gateline/internal/audit"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/migrate"
)

func newLog(t *testing.T) (audit.Log, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return audit.Log{DB: conn}, context.Background()
}

func begin(t *testing.T, log audit.Log, ctx context.Context, role, cmd string) audit.Handle {
	t.Helper()
	h, err := log.Begin(ctx, role, cmd, "roadmap", "write", "corr-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return h
}

func TestBeginIsDurableAttempt(t *testing.T) {
	log, ctx := newLog(t)
	h := begin(t, log, ctx, "planner", "roadmap.item.create")
	entry, err := log.Get(ctx, h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Outcome != domain.OutcomeAttempted {
		t.Fatalf("outcome %s, want attempted", entry.Outcome)
	}
	if entry.FinalizedAt != "" {
		t.Fatalf("attempted entry must not carry finalized_at")
	}
}

func TestIDsStrictlyIncreasing(t *testing.T) {
	log, ctx := newLog(t)
	var last int64
	for i := 0; i < 10; i++ {
		h := begin(t, log, ctx, "planner", "roadmap.item.create")
		if h.ID <= last {
			t.Fatalf("id %d not greater than %d", h.ID, last)
		}
		last = h.ID
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	log, ctx := newLog(t)
	h := begin(t, log, ctx, "planner", "roadmap.item.create")
	if err := log.Finalize(ctx, h, domain.OutcomeSuccess, map[string]any{"n": 1}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// same outcome again is a no-op and keeps the first detail
	if err := log.Finalize(ctx, h, domain.OutcomeSuccess, map[string]any{"n": 2}); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if entry, err := log.Get(ctx, h.ID); err != nil || !strings.Contains(entry.Detail, `"n":1`) {
		t.Fatalf("first recorded detail must win: %v %q", err, entry.Detail)
	}
	// conflicting outcome is a consistency violation
	err := log.Finalize(ctx, h, domain.OutcomeFailed, nil)
	var conflict audit.ConsistencyError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}
	if conflict.Existing != domain.OutcomeSuccess || conflict.Requested != domain.OutcomeFailed {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	// the recorded outcome is untouched
	entry, err := log.Get(ctx, h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome %s after conflicting finalize", entry.Outcome)
	}
}

func TestFinalizeRejectsAttempted(t *testing.T) {
	log, ctx := newLog(t)
	h := begin(t, log, ctx, "planner", "roadmap.item.create")
	if err := log.Finalize(ctx, h, domain.OutcomeAttempted, nil); err == nil {
		t.Fatalf("attempted is not a terminal outcome")
	}
}

func TestFinalizeUnknownEntry(t *testing.T) {
	log, ctx := newLog(t)
	err := log.Finalize(ctx, audit.Handle{ID: 9999}, domain.OutcomeFailed, nil)
	if !errors.Is(err, audit.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	log, ctx := newLog(t)
	roles := []string{"planner", "architect", "planner", "reviewer"}
	for _, role := range roles {
		h := begin(t, log, ctx, role, "roadmap.item.create")
		if err := log.Finalize(ctx, h, domain.OutcomeSuccess, nil); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	all, err := log.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("entries not in ascending id order")
		}
	}
	planner, err := log.Query(ctx, audit.Filter{Role: "planner"})
	if err != nil {
		t.Fatalf("query role: %v", err)
	}
	if len(planner) != 2 {
		t.Fatalf("got %d planner entries, want 2", len(planner))
	}
	succeeded, err := log.Query(ctx, audit.Filter{Outcome: domain.OutcomeSuccess})
	if err != nil {
		t.Fatalf("query outcome: %v", err)
	}
	if len(succeeded) != 4 {
		t.Fatalf("got %d success entries, want 4", len(succeeded))
	}
}

func TestQueryPagingByAfterID(t *testing.T) {
	log, ctx := newLog(t)
	for i := 0; i < 5; i++ {
		begin(t, log, ctx, "planner", "roadmap.item.create")
	}
	first, err := log.Query(ctx, audit.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first page size %d", len(first))
	}
	second, err := log.Query(ctx, audit.Filter{AfterID: first[1].ID, Limit: 2})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 2 || second[0].ID <= first[1].ID {
		t.Fatalf("second page does not continue after id %d: %+v", first[1].ID, second)
	}
}

func TestLatestNewestFirst(t *testing.T) {
	log, ctx := newLog(t)
	for i := 0; i < 3; i++ {
		begin(t, log, ctx, "planner", "roadmap.item.create")
	}
	latest, err := log.Latest(ctx, 2, audit.Filter{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].ID <= latest[1].ID {
		t.Fatalf("latest not newest first: %+v", latest)
	}
}

func TestClockInjection(t *testing.T) {
	log, ctx := newLog(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	log.Now = func() time.Time { return fixed }
	h := begin(t, log, ctx, "planner", "roadmap.item.create")
	entry, err := log.Get(ctx, h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.TS != fixed.Format(time.RFC3339) {
		t.Fatalf("ts %s, want %s", entry.TS, fixed.Format(time.RFC3339))
	}
}
