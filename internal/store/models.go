package store

import (
	"fmt"
	"time"
)

// ActionType is the kind of engagement an actor has on an item.
type ActionType string

const (
	ActionUp     ActionType = "up"
	ActionDown   ActionType = "down"
	ActionFollow ActionType = "follow"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionUp, ActionDown, ActionFollow:
		return true
	}
	return false
}

// Positive reports whether a newly-created action of this type should
// notify the item owner.
func (t ActionType) Positive() bool {
	return t == ActionUp || t == ActionFollow
}

// Transition is the state-machine edge the fast path claims an intent
// represents. It is an explicit variant type so the apply switch stays
// exhaustive.
type Transition int

const (
	TransitionUnknown Transition = iota
	TransitionCreated
	TransitionChanged
	TransitionRemoved
)

func ParseTransition(s string) (Transition, error) {
	switch s {
	case "created":
		return TransitionCreated, nil
	case "changed":
		return TransitionChanged, nil
	case "removed":
		return TransitionRemoved, nil
	}
	return TransitionUnknown, fmt.Errorf("unknown transition %q", s)
}

func (t Transition) String() string {
	switch t {
	case TransitionCreated:
		return "created"
	case TransitionChanged:
		return "changed"
	case TransitionRemoved:
		return "removed"
	}
	return "unknown"
}

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Item is a shared discoverable entity (project, itinerary). The counter
// columns are a denormalized projection owned by the aggregate sync; the
// action_records table is the authority.
type Item struct {
	ID             string
	OwnerID        string
	Kind           string
	Title          string
	PositiveCount  int
	NegativeCount  int
	FollowersCount int
	TrailScore     float64
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActionRecord is the authoritative row for an actor's current action on
// an item. One row per (actor_id, item_id).
type ActionRecord struct {
	ActorID    string
	ItemID     string
	ActionType ActionType
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventLogEntry is the append-only audit record of an applied mutation.
// RequestID doubles as the idempotency key.
type EventLogEntry struct {
	ID         int64
	RequestID  string
	ActorID    string
	ItemID     string
	ActionType ActionType
	Transition string
	CreatedAt  time.Time
}

// ItemCounts is a fresh aggregate over action_records for one item.
type ItemCounts struct {
	Positive  int
	Negative  int
	Followers int
}

// TrailScore is the weighted community score derived from raw counts.
// Kept in one place so sync and sweep recompute it identically.
func (c ItemCounts) TrailScore() float64 {
	return float64(c.Positive) - 1.5*float64(c.Negative) + 0.25*float64(c.Followers)
}

type UserStats struct {
	UserID       string
	VotesCast    int
	FollowsMade  int
	ItemsCreated int
	UpdatedAt    time.Time
}

// Discrepancy is one denormalized field found out of agreement with its
// authoritative recomputation.
type Discrepancy struct {
	Table    string
	Key      string
	Field    string
	Expected string
	Actual   string
}
