// Package engine implements the counter consistency core: the async
// event processor that applies action intents to the authoritative
// store, the periodic aggregate sync that recomputes denormalized
// counters, and the debounced invalidation batcher.
package engine

import (
	"fmt"
	"time"

	"trailhead/api/internal/store"
)

// ActionIntentEvent is the message the fast path publishes for every
// user action. RequestID is the idempotency key; PriorState is the
// state the fast path believed the actor had when it accepted the
// action optimistically.
type ActionIntentEvent struct {
	RequestID   string            `json:"request_id"`
	ActorID     string            `json:"actor_id"`
	ItemID      string            `json:"item_id"`
	ActionType  store.ActionType  `json:"action_type"`
	PriorState  *store.ActionType `json:"prior_state"`
	Transition  string            `json:"transition"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Validate checks structural validity and resolves the transition
// variant. It does not consult any store.
func (e ActionIntentEvent) Validate() (store.Transition, error) {
	if e.RequestID == "" {
		return store.TransitionUnknown, fmt.Errorf("intent missing request_id")
	}
	if e.ActorID == "" || e.ItemID == "" {
		return store.TransitionUnknown, fmt.Errorf("intent %s missing actor or item", e.RequestID)
	}
	if !e.ActionType.Valid() {
		return store.TransitionUnknown, fmt.Errorf("intent %s has invalid action_type %q", e.RequestID, e.ActionType)
	}
	transition, err := store.ParseTransition(e.Transition)
	if err != nil {
		return store.TransitionUnknown, fmt.Errorf("intent %s: %w", e.RequestID, err)
	}
	return transition, nil
}
