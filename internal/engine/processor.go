package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"trailhead/api/internal/cache"
	"trailhead/api/internal/metrics"
	"trailhead/api/internal/store"
)

// Store is the slice of the authoritative store the processor needs.
type Store interface {
	ApplyAction(ctx context.Context, p store.ApplyActionParams) (store.ApplyResult, error)
	AppendEvent(ctx context.Context, e store.EventLogEntry) error
	HasEvent(ctx context.Context, requestID string) (bool, error)
	GetItem(ctx context.Context, itemID string) (store.Item, error)
}

// Notifier is the boundary to notification delivery. The engine only
// announces that an item gained a new positive engagement; delivery is
// someone else's problem.
type Notifier interface {
	NotifyItemEngaged(ctx context.Context, ownerID, actorID, itemID string, action store.ActionType) error
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// Processor applies action intents to the authoritative store with
// bounded retries, marks items dirty for the aggregate sync, and
// records a status the fast path can poll.
type Processor struct {
	store      Store
	cache      *cache.Cache
	notifier   Notifier // nil disables notifications
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

func NewProcessor(st Store, c *cache.Cache, notifier Notifier, maxRetries int, retryBase, retryCap time.Duration) *Processor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBase <= 0 {
		retryBase = 100 * time.Millisecond
	}
	if retryCap < retryBase {
		retryCap = retryBase
	}
	return &Processor{
		store:      st,
		cache:      c,
		notifier:   notifier,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryCap:   retryCap,
	}
}

// Process applies one intent. It never returns an error: terminal
// failures are surfaced on the returned status record so the queue does
// not redeliver forever. Only the authoritative mutation can fail the
// intent; everything after the commit is best-effort.
func (p *Processor) Process(ctx context.Context, e ActionIntentEvent) cache.IntentStatus {
	started := time.Now()
	defer func() {
		metrics.IntentApplyDuration.Observe(time.Since(started).Seconds())
	}()

	transition, err := e.Validate()
	if err != nil {
		log.Printf("processor: invalid intent: %v", err)
		metrics.IntentsProcessed.WithLabelValues("invalid").Inc()
		return p.writeStatus(ctx, cache.IntentStatus{
			RequestID: e.RequestID,
			Status:    StatusFailed,
			Error:     err.Error(),
		})
	}

	if status, err := p.checkReplay(ctx, e); errors.Is(err, ErrIdempotentReplay) {
		metrics.IntentsProcessed.WithLabelValues("replayed").Inc()
		return status
	}

	result, err := p.applyWithRetry(ctx, e, transition)
	if err != nil {
		log.Printf("processor: intent %s (%s %s on %s) terminally failed: %v",
			e.RequestID, e.Transition, e.ActionType, e.ItemID, err)
		metrics.IntentsProcessed.WithLabelValues("failed").Inc()
		return p.writeStatus(ctx, cache.IntentStatus{
			RequestID: e.RequestID,
			Status:    StatusFailed,
			Error:     err.Error(),
		})
	}

	// The caller's optimistic prior state disagreed with authoritative
	// state. The mutation still proceeded from authority; flag it so
	// the fast path knows its optimistic update was wrong.
	reconciled := !priorMatches(e.PriorState, result.Before)

	p.afterCommit(ctx, e, transition, result)

	metrics.IntentsProcessed.WithLabelValues("completed").Inc()
	return p.writeStatus(ctx, cache.IntentStatus{
		RequestID:  e.RequestID,
		Status:     StatusCompleted,
		Reconciled: reconciled,
	})
}

// checkReplay looks for evidence that this request id already landed:
// first the cached status record, then the event log. On a replay it
// returns the status to surface and ErrIdempotentReplay.
func (p *Processor) checkReplay(ctx context.Context, e ActionIntentEvent) (cache.IntentStatus, error) {
	if status, ok, err := p.cache.GetStatus(ctx, e.RequestID); err == nil && ok && status.Status == StatusCompleted {
		return status, ErrIdempotentReplay
	}

	applied, err := p.store.HasEvent(ctx, e.RequestID)
	if err != nil {
		// The apply itself stays safe without the check; the unique
		// request_id in the event log catches the duplicate append.
		log.Printf("processor: idempotency check %s: %v", e.RequestID, err)
		return cache.IntentStatus{}, nil
	}
	if applied {
		return p.writeStatus(ctx, cache.IntentStatus{
			RequestID: e.RequestID,
			Status:    StatusCompleted,
		}), ErrIdempotentReplay
	}
	return cache.IntentStatus{}, nil
}

func (p *Processor) applyWithRetry(ctx context.Context, e ActionIntentEvent, transition store.Transition) (store.ApplyResult, error) {
	params := store.ApplyActionParams{
		ActorID:    e.ActorID,
		ItemID:     e.ItemID,
		ActionType: e.ActionType,
		Transition: transition,
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IntentRetries.Inc()
			if err := sleepBackoff(ctx, p.retryBase, p.retryCap, attempt); err != nil {
				return store.ApplyResult{}, err
			}
		}

		result, err := p.store.ApplyAction(ctx, params)
		if err == nil {
			return result, nil
		}
		lastErr = classifyStoreError(err)
		if !retryable(lastErr) {
			return store.ApplyResult{}, lastErr
		}
		log.Printf("processor: intent %s attempt %d: %v", e.RequestID, attempt+1, lastErr)
	}
	return store.ApplyResult{}, &MaxRetriesError{Attempts: p.maxRetries + 1, Last: lastErr}
}

// afterCommit runs the post-commit steps: event log append, dirty mark,
// membership update, notification. All best-effort; none can undo the
// committed mutation.
func (p *Processor) afterCommit(ctx context.Context, e ActionIntentEvent, transition store.Transition, result store.ApplyResult) {
	if err := p.store.AppendEvent(ctx, store.EventLogEntry{
		RequestID:  e.RequestID,
		ActorID:    e.ActorID,
		ItemID:     e.ItemID,
		ActionType: e.ActionType,
		Transition: transition.String(),
	}); err != nil {
		log.Printf("processor: event log append %s: %v", e.RequestID, err)
	}

	if err := p.cache.MarkDirty(ctx, e.ItemID); err != nil {
		log.Printf("processor: mark dirty %s: %v", e.ItemID, err)
	}

	switch {
	case result.After != nil:
		if err := p.cache.SetMembership(ctx, e.ActorID, e.ItemID, *result.After); err != nil {
			log.Printf("processor: set membership %s/%s: %v", e.ActorID, e.ItemID, err)
		}
	case result.Before != nil:
		if err := p.cache.RemoveMembership(ctx, e.ActorID, e.ItemID, *result.Before); err != nil {
			log.Printf("processor: remove membership %s/%s: %v", e.ActorID, e.ItemID, err)
		}
	}

	// Notify the item owner only when a brand-new positive action was
	// created; changed and removed transitions stay quiet.
	if p.notifier != nil && transition == store.TransitionCreated &&
		result.Before == nil && result.After != nil && result.After.Positive() {
		item, err := p.store.GetItem(ctx, e.ItemID)
		if err != nil {
			log.Printf("processor: owner lookup for %s: %v", e.ItemID, err)
			return
		}
		if item.OwnerID == e.ActorID {
			return
		}
		if err := p.notifier.NotifyItemEngaged(ctx, item.OwnerID, e.ActorID, e.ItemID, *result.After); err != nil {
			log.Printf("processor: notify owner of %s: %v", e.ItemID, err)
		}
	}
}

func (p *Processor) writeStatus(ctx context.Context, status cache.IntentStatus) cache.IntentStatus {
	if status.RequestID == "" {
		return status
	}
	if err := p.cache.SetStatus(ctx, status); err != nil {
		log.Printf("processor: write status %s: %v", status.RequestID, err)
	}
	return status
}

func priorMatches(claimed, actual *store.ActionType) bool {
	if claimed == nil && actual == nil {
		return true
	}
	if claimed == nil || actual == nil {
		return false
	}
	return *claimed == *actual
}

// sleepBackoff waits base<<(attempt-1) capped at maxDelay, or returns
// early when the context ends.
func sleepBackoff(ctx context.Context, base, maxDelay time.Duration, attempt int) error {
	delay := base << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
