package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// openTestStore connects to the database named by TEST_DATABASE_URL,
// resets the public schema and applies the migrations from scratch.
// Skipped when no test database is configured.
func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return NewPostgresStore(db), ctx
}

func seedUser(t *testing.T, s *PostgresStore, ctx context.Context, id string) {
	t.Helper()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ($1, $1)
	`, id); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedItem(t *testing.T, s *PostgresStore, ctx context.Context, id, ownerID string) {
	t.Helper()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, owner_id, title) VALUES ($1, $2, $1)
	`, id, ownerID); err != nil {
		t.Fatalf("seed item %s: %v", id, err)
	}
}

func applyCreated(t *testing.T, s *PostgresStore, ctx context.Context, actorID, itemID string, action ActionType) {
	t.Helper()
	if _, err := s.ApplyAction(ctx, ApplyActionParams{
		ActorID: actorID, ItemID: itemID, ActionType: action, Transition: TransitionCreated,
	}); err != nil {
		t.Fatalf("apply %s %s on %s: %v", action, actorID, itemID, err)
	}
}

func TestApplyActionTransitionRoundTripPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	seedUser(t, s, ctx, "u-owner")
	seedUser(t, s, ctx, "u-actor")
	seedItem(t, s, ctx, "i-1", "u-owner")

	// Created: no row becomes an up vote.
	result, err := s.ApplyAction(ctx, ApplyActionParams{
		ActorID: "u-actor", ItemID: "i-1", ActionType: ActionUp, Transition: TransitionCreated,
	})
	if err != nil {
		t.Fatalf("created: %v", err)
	}
	if result.Before != nil || result.After == nil || *result.After != ActionUp {
		t.Fatalf("created: %+v", result)
	}
	rec, err := s.GetAction(ctx, "u-actor", "i-1")
	if err != nil || rec == nil || rec.ActionType != ActionUp {
		t.Fatalf("after created: rec=%+v err=%v", rec, err)
	}

	// Changed: the up vote flips to down.
	result, err = s.ApplyAction(ctx, ApplyActionParams{
		ActorID: "u-actor", ItemID: "i-1", ActionType: ActionDown, Transition: TransitionChanged,
	})
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if result.Before == nil || *result.Before != ActionUp || result.After == nil || *result.After != ActionDown {
		t.Fatalf("changed: %+v", result)
	}
	rec, err = s.GetAction(ctx, "u-actor", "i-1")
	if err != nil || rec == nil || rec.ActionType != ActionDown {
		t.Fatalf("after changed: rec=%+v err=%v", rec, err)
	}

	// Removed: the row disappears.
	result, err = s.ApplyAction(ctx, ApplyActionParams{
		ActorID: "u-actor", ItemID: "i-1", ActionType: ActionDown, Transition: TransitionRemoved,
	})
	if err != nil {
		t.Fatalf("removed: %v", err)
	}
	if result.Before == nil || result.After != nil {
		t.Fatalf("removed: %+v", result)
	}
	rec, err = s.GetAction(ctx, "u-actor", "i-1")
	if err != nil {
		t.Fatalf("after removed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no row after removed, got %+v", rec)
	}

	// Removing again is a no-op, not an error.
	result, err = s.ApplyAction(ctx, ApplyActionParams{
		ActorID: "u-actor", ItemID: "i-1", ActionType: ActionDown, Transition: TransitionRemoved,
	})
	if err != nil {
		t.Fatalf("second removed: %v", err)
	}
	if result.Mutated() {
		t.Fatalf("second removed must not mutate: %+v", result)
	}
}

func TestEventLogIdempotencyPostgres(t *testing.T) {
	s, ctx := openTestStore(t)

	entry := EventLogEntry{
		RequestID: "req-1", ActorID: "u-actor", ItemID: "i-1",
		ActionType: ActionUp, Transition: "created",
	}
	if err := s.AppendEvent(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEvent(ctx, entry); err != nil {
		t.Fatalf("duplicate append must not error: %v", err)
	}

	seen, err := s.HasEvent(ctx, "req-1")
	if err != nil || !seen {
		t.Fatalf("HasEvent(req-1)=%v err=%v", seen, err)
	}
	seen, err = s.HasEvent(ctx, "req-2")
	if err != nil || seen {
		t.Fatalf("HasEvent(req-2)=%v err=%v", seen, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log WHERE request_id='req-1'`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one event row, got %d", count)
	}
}

func TestReconcileItemCountersDetectsAndFixesDriftPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	seedUser(t, s, ctx, "u-owner")
	seedItem(t, s, ctx, "i-1", "u-owner")
	for i, action := range []ActionType{ActionUp, ActionUp, ActionDown, ActionFollow} {
		actor := "u-" + string(rune('a'+i))
		seedUser(t, s, ctx, actor)
		applyCreated(t, s, ctx, actor, "i-1", action)
	}

	counts, err := s.CountActions(ctx, "i-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts != (ItemCounts{Positive: 2, Negative: 1, Followers: 1}) {
		t.Fatalf("counts: %+v", counts)
	}
	if err := s.WriteItemCounters(ctx, "i-1", counts); err != nil {
		t.Fatalf("write counters: %v", err)
	}

	// A clean table reports nothing.
	found, fixed, err := s.ReconcileItemCounters(ctx, true)
	if err != nil {
		t.Fatalf("reconcile clean: %v", err)
	}
	if len(found) != 0 || fixed != 0 {
		t.Fatalf("clean table drifted: found=%v fixed=%d", found, fixed)
	}

	// Corrupt the denormalized projection directly.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE items SET positive_count=99, trail_score=0 WHERE id='i-1'
	`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	// Without autofix the drift is reported and left in place.
	found, fixed, err = s.ReconcileItemCounters(ctx, false)
	if err != nil {
		t.Fatalf("reconcile detect: %v", err)
	}
	if fixed != 0 {
		t.Fatalf("fix ran with autofix off: %d", fixed)
	}
	byField := make(map[string]Discrepancy)
	for _, d := range found {
		if d.Table != "items" || d.Key != "i-1" {
			t.Fatalf("unexpected discrepancy %+v", d)
		}
		byField[d.Field] = d
	}
	if d := byField["positive_count"]; d.Expected != "2" || d.Actual != "99" {
		t.Fatalf("positive_count discrepancy: %+v", d)
	}
	if _, ok := byField["trail_score"]; !ok {
		t.Fatalf("trail_score drift not reported: %v", found)
	}

	// With autofix the row is rewritten from the authoritative counts.
	found, fixed, err = s.ReconcileItemCounters(ctx, true)
	if err != nil {
		t.Fatalf("reconcile fix: %v", err)
	}
	if len(found) == 0 || fixed != 1 {
		t.Fatalf("expected one fixed row: found=%v fixed=%d", found, fixed)
	}

	item, err := s.GetItem(ctx, "i-1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.PositiveCount != 2 || item.NegativeCount != 1 || item.FollowersCount != 1 {
		t.Fatalf("counters after fix: %+v", item)
	}
	if item.TrailScore != counts.TrailScore() {
		t.Fatalf("trail score after fix: got %v want %v", item.TrailScore, counts.TrailScore())
	}

	found, _, err = s.ReconcileItemCounters(ctx, false)
	if err != nil {
		t.Fatalf("reconcile after fix: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("drift survived the fix: %v", found)
	}
}

func TestReconcileUserStatsDetectsAndFixesDriftPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	seedUser(t, s, ctx, "u-owner")
	seedUser(t, s, ctx, "u-1")
	seedItem(t, s, ctx, "i-1", "u-owner")
	seedItem(t, s, ctx, "i-2", "u-owner")
	applyCreated(t, s, ctx, "u-1", "i-1", ActionUp)
	applyCreated(t, s, ctx, "u-1", "i-2", ActionFollow)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, votes_cast, follows_made, items_created)
		VALUES ('u-1', 5, 0, 3)
	`); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	found, fixed, err := s.ReconcileUserStats(ctx, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fixed != 1 {
		t.Fatalf("expected one fixed row, got %d (found=%v)", fixed, found)
	}
	fields := make(map[string]bool)
	for _, d := range found {
		fields[d.Field] = true
	}
	for _, field := range []string{"votes_cast", "follows_made", "items_created"} {
		if !fields[field] {
			t.Errorf("expected %s drift reported, got %v", field, found)
		}
	}

	var votes, follows, created int
	if err := s.db.QueryRowContext(ctx, `
		SELECT votes_cast, follows_made, items_created FROM user_stats WHERE user_id='u-1'
	`).Scan(&votes, &follows, &created); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if votes != 1 || follows != 1 || created != 0 {
		t.Fatalf("stats after fix: votes=%d follows=%d created=%d", votes, follows, created)
	}

	found, _, err = s.ReconcileUserStats(ctx, false)
	if err != nil {
		t.Fatalf("reconcile after fix: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("drift survived the fix: %v", found)
	}
}
