package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrItemNotFound is returned when a counters write targets an item
// that no longer exists.
var ErrItemNotFound = errors.New("item not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsConstraintViolation reports whether err is a Postgres integrity
// constraint error (class 23).
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
	}
	return false
}

func (s *PostgresStore) GetAction(ctx context.Context, actorID, itemID string) (*ActionRecord, error) {
	var rec ActionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, item_id, action_type, created_at, updated_at
		FROM action_records
		WHERE actor_id=$1 AND item_id=$2
	`, actorID, itemID).Scan(&rec.ActorID, &rec.ItemID, &rec.ActionType, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &rec, nil
}

type ApplyActionParams struct {
	ActorID    string
	ItemID     string
	ActionType ActionType
	Transition Transition
}

// ApplyResult reports the authoritative state of the (actor, item) row
// before and after the transition was applied. Nil means no row.
type ApplyResult struct {
	Before *ActionType
	After  *ActionType
}

// Mutated reports whether the transition changed the authoritative row.
func (r ApplyResult) Mutated() bool {
	if r.Before == nil && r.After == nil {
		return false
	}
	if r.Before == nil || r.After == nil {
		return true
	}
	return *r.Before != *r.After
}

// ApplyAction applies one intent transition to the authoritative
// action_records row inside a single transaction. The row is locked for
// the duration so concurrent writers on the same (actor, item) pair
// serialize; last committed write wins.
func (s *PostgresStore) ApplyAction(ctx context.Context, p ApplyActionParams) (ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var before *ActionType
	var current ActionType
	err = tx.QueryRowContext(ctx, `
		SELECT action_type FROM action_records
		WHERE actor_id=$1 AND item_id=$2
		FOR UPDATE
	`, p.ActorID, p.ItemID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		before = nil
	case err != nil:
		return ApplyResult{}, fmt.Errorf("lock action row: %w", err)
	default:
		before = &current
	}

	after := before
	switch p.Transition {
	case TransitionCreated, TransitionChanged:
		// Changed tolerates a missing row (out-of-order delivery) by
		// upserting; created tolerates an existing row the same way.
		if before == nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO action_records (actor_id, item_id, action_type)
				VALUES ($1, $2, $3)
			`, p.ActorID, p.ItemID, p.ActionType); err != nil {
				return ApplyResult{}, fmt.Errorf("insert action: %w", err)
			}
			t := p.ActionType
			after = &t
		} else if *before != p.ActionType {
			if _, err := tx.ExecContext(ctx, `
				UPDATE action_records SET action_type=$3, updated_at=NOW()
				WHERE actor_id=$1 AND item_id=$2
			`, p.ActorID, p.ItemID, p.ActionType); err != nil {
				return ApplyResult{}, fmt.Errorf("update action: %w", err)
			}
			t := p.ActionType
			after = &t
		}
	case TransitionRemoved:
		if before != nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM action_records WHERE actor_id=$1 AND item_id=$2
			`, p.ActorID, p.ItemID); err != nil {
				return ApplyResult{}, fmt.Errorf("delete action: %w", err)
			}
			after = nil
		}
	default:
		return ApplyResult{}, fmt.Errorf("apply action: unknown transition %d", p.Transition)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit apply tx: %w", err)
	}
	return ApplyResult{Before: before, After: after}, nil
}

// AppendEvent records an applied mutation in the event log. The unique
// request_id makes the append idempotent.
func (s *PostgresStore) AppendEvent(ctx context.Context, e EventLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (request_id, actor_id, item_id, action_type, transition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, e.RequestID, e.ActorID, e.ItemID, e.ActionType, e.Transition)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasEvent(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM event_log WHERE request_id=$1)`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

// CountActions recomputes an item's counts directly from action_records.
// This is the only source the sync trusts.
func (s *PostgresStore) CountActions(ctx context.Context, itemID string) (ItemCounts, error) {
	var c ItemCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE action_type='up'),
			COUNT(*) FILTER (WHERE action_type='down'),
			COUNT(*) FILTER (WHERE action_type='follow')
		FROM action_records WHERE item_id=$1
	`, itemID).Scan(&c.Positive, &c.Negative, &c.Followers)
	if err != nil {
		return ItemCounts{}, fmt.Errorf("count actions: %w", err)
	}
	return c, nil
}

// WriteItemCounters writes recomputed counts and the derived score onto
// the item row. The score is recomputed here explicitly because no other
// write path touches it.
func (s *PostgresStore) WriteItemCounters(ctx context.Context, itemID string, c ItemCounts) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET positive_count=$2, negative_count=$3, followers_count=$4,
			trail_score=$5, last_synced_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, itemID, c.Positive, c.Negative, c.Followers, c.TrailScore())
	if err != nil {
		return fmt.Errorf("write item counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write item counters: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write item counters for %s: %w", itemID, ErrItemNotFound)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	var item Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, title, positive_count, negative_count,
			followers_count, trail_score, last_synced_at, created_at, updated_at
		FROM items WHERE id=$1
	`, itemID).Scan(&item.ID, &item.OwnerID, &item.Kind, &item.Title,
		&item.PositiveCount, &item.NegativeCount, &item.FollowersCount,
		&item.TrailScore, &item.LastSyncedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, itemIDs []string) ([]Item, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, title, positive_count, negative_count,
			followers_count, trail_score, last_synced_at, created_at, updated_at
		FROM items WHERE id = ANY($1)
	`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Kind, &item.Title,
			&item.PositiveCount, &item.NegativeCount, &item.FollowersCount,
			&item.TrailScore, &item.LastSyncedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListTopItems returns the highest-scored items, the population of the
// leaderboard and feed read views.
func (s *PostgresStore) ListTopItems(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, title, positive_count, negative_count,
			followers_count, trail_score, last_synced_at, created_at, updated_at
		FROM items ORDER BY trail_score DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Kind, &item.Title,
			&item.PositiveCount, &item.NegativeCount, &item.FollowersCount,
			&item.TrailScore, &item.LastSyncedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan top item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReconcileItemCounters compares every item's denormalized counters
// against a fresh aggregate over action_records, optionally fixing
// mismatched rows. Runs in its own transaction.
func (s *PostgresStore) ReconcileItemCounters(ctx context.Context, fix bool) ([]Discrepancy, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin counters tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT i.id, i.positive_count, i.negative_count, i.followers_count, i.trail_score,
			COALESCE(a.pos, 0), COALESCE(a.neg, 0), COALESCE(a.fol, 0)
		FROM items i
		LEFT JOIN (
			SELECT item_id,
				COUNT(*) FILTER (WHERE action_type='up') AS pos,
				COUNT(*) FILTER (WHERE action_type='down') AS neg,
				COUNT(*) FILTER (WHERE action_type='follow') AS fol
			FROM action_records GROUP BY item_id
		) a ON a.item_id = i.id
		WHERE i.positive_count <> COALESCE(a.pos, 0)
			OR i.negative_count <> COALESCE(a.neg, 0)
			OR i.followers_count <> COALESCE(a.fol, 0)
			OR ABS(i.trail_score - (COALESCE(a.pos,0) - 1.5*COALESCE(a.neg,0) + 0.25*COALESCE(a.fol,0))) > 1e-9
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("scan counter drift: %w", err)
	}

	type driftRow struct {
		id       string
		actual   ItemCounts
		score    float64
		expected ItemCounts
	}
	var drifted []driftRow
	for rows.Next() {
		var d driftRow
		if err := rows.Scan(&d.id, &d.actual.Positive, &d.actual.Negative, &d.actual.Followers,
			&d.score, &d.expected.Positive, &d.expected.Negative, &d.expected.Followers); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan counter drift row: %w", err)
		}
		drifted = append(drifted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan counter drift: %w", err)
	}

	var found []Discrepancy
	fixed := 0
	for _, d := range drifted {
		found = append(found, counterDiscrepancies(d.id, d.actual, d.score, d.expected)...)
		if !fix {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE items
			SET positive_count=$2, negative_count=$3, followers_count=$4,
				trail_score=$5, last_synced_at=NOW(), updated_at=NOW()
			WHERE id=$1
		`, d.id, d.expected.Positive, d.expected.Negative, d.expected.Followers, d.expected.TrailScore()); err != nil {
			return found, fixed, fmt.Errorf("fix item %s: %w", d.id, err)
		}
		fixed++
	}

	if err := tx.Commit(); err != nil {
		return found, fixed, fmt.Errorf("commit counters tx: %w", err)
	}
	return found, fixed, nil
}

func counterDiscrepancies(itemID string, actual ItemCounts, actualScore float64, expected ItemCounts) []Discrepancy {
	var out []Discrepancy
	add := func(field, exp, act string) {
		out = append(out, Discrepancy{Table: "items", Key: itemID, Field: field, Expected: exp, Actual: act})
	}
	if actual.Positive != expected.Positive {
		add("positive_count", strconv.Itoa(expected.Positive), strconv.Itoa(actual.Positive))
	}
	if actual.Negative != expected.Negative {
		add("negative_count", strconv.Itoa(expected.Negative), strconv.Itoa(actual.Negative))
	}
	if actual.Followers != expected.Followers {
		add("followers_count", strconv.Itoa(expected.Followers), strconv.Itoa(actual.Followers))
	}
	if expScore := expected.TrailScore(); math.Abs(actualScore-expScore) > 1e-9 {
		add("trail_score",
			strconv.FormatFloat(expScore, 'f', -1, 64),
			strconv.FormatFloat(actualScore, 'f', -1, 64))
	}
	return out
}

// ReconcileUserStats compares the per-user dashboard aggregates against
// authoritative counts over action_records and items.
func (s *PostgresStore) ReconcileUserStats(ctx context.Context, fix bool) ([]Discrepancy, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin user stats tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT us.user_id, us.votes_cast, us.follows_made, us.items_created,
			COALESCE(a.votes, 0), COALESCE(a.follows, 0), COALESCE(it.cnt, 0)
		FROM user_stats us
		LEFT JOIN (
			SELECT actor_id,
				COUNT(*) FILTER (WHERE action_type IN ('up','down')) AS votes,
				COUNT(*) FILTER (WHERE action_type='follow') AS follows
			FROM action_records GROUP BY actor_id
		) a ON a.actor_id = us.user_id
		LEFT JOIN (
			SELECT owner_id, COUNT(*) AS cnt FROM items GROUP BY owner_id
		) it ON it.owner_id = us.user_id
		WHERE us.votes_cast <> COALESCE(a.votes, 0)
			OR us.follows_made <> COALESCE(a.follows, 0)
			OR us.items_created <> COALESCE(it.cnt, 0)
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("scan user stats drift: %w", err)
	}

	type driftRow struct {
		userID                           string
		votes, follows, created          int
		expVotes, expFollows, expCreated int
	}
	var drifted []driftRow
	for rows.Next() {
		var d driftRow
		if err := rows.Scan(&d.userID, &d.votes, &d.follows, &d.created,
			&d.expVotes, &d.expFollows, &d.expCreated); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan user stats row: %w", err)
		}
		drifted = append(drifted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan user stats drift: %w", err)
	}

	var found []Discrepancy
	fixed := 0
	for _, d := range drifted {
		add := func(field string, exp, act int) {
			if exp != act {
				found = append(found, Discrepancy{
					Table: "user_stats", Key: d.userID, Field: field,
					Expected: strconv.Itoa(exp), Actual: strconv.Itoa(act),
				})
			}
		}
		add("votes_cast", d.expVotes, d.votes)
		add("follows_made", d.expFollows, d.follows)
		add("items_created", d.expCreated, d.created)
		if !fix {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_stats
			SET votes_cast=$2, follows_made=$3, items_created=$4, updated_at=NOW()
			WHERE user_id=$1
		`, d.userID, d.expVotes, d.expFollows, d.expCreated); err != nil {
			return found, fixed, fmt.Errorf("fix user stats %s: %w", d.userID, err)
		}
		fixed++
	}

	if err := tx.Commit(); err != nil {
		return found, fixed, fmt.Errorf("commit user stats tx: %w", err)
	}
	return found, fixed, nil
}

// ReconcileUnreadCounts compares each conversation participant's
// denormalized unread_count against a fresh count of messages newer than
// their last read mark.
func (s *PostgresStore) ReconcileUnreadCounts(ctx context.Context, fix bool) ([]Discrepancy, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin unread tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT cp.conversation_id, cp.user_id, cp.unread_count, COALESCE(m.cnt, 0)
		FROM conversation_participants cp
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS cnt FROM messages m
			WHERE m.conversation_id = cp.conversation_id
				AND m.sender_id <> cp.user_id
				AND m.created_at > cp.last_read_at
		) m ON TRUE
		WHERE cp.unread_count <> COALESCE(m.cnt, 0)
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("scan unread drift: %w", err)
	}

	type driftRow struct {
		convID, userID   string
		actual, expected int
	}
	var drifted []driftRow
	for rows.Next() {
		var d driftRow
		if err := rows.Scan(&d.convID, &d.userID, &d.actual, &d.expected); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan unread row: %w", err)
		}
		drifted = append(drifted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan unread drift: %w", err)
	}

	var found []Discrepancy
	fixed := 0
	for _, d := range drifted {
		found = append(found, Discrepancy{
			Table: "conversation_participants", Key: d.convID + "/" + d.userID,
			Field: "unread_count", Expected: strconv.Itoa(d.expected), Actual: strconv.Itoa(d.actual),
		})
		if !fix {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET unread_count=$3
			WHERE conversation_id=$1 AND user_id=$2
		`, d.convID, d.userID, d.expected); err != nil {
			return found, fixed, fmt.Errorf("fix unread %s/%s: %w", d.convID, d.userID, err)
		}
		fixed++
	}

	if err := tx.Commit(); err != nil {
		return found, fixed, fmt.Errorf("commit unread tx: %w", err)
	}
	return found, fixed, nil
}

// RefreshLeaderboard rebuilds the precomputed leaderboard read view.
func (s *PostgresStore) RefreshLeaderboard(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY leaderboard`); err != nil {
		return fmt.Errorf("refresh leaderboard: %w", err)
	}
	return nil
}
