package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ActionOp is the kind of local mutation an offline action carries.
type ActionOp int

const (
	OpCreate ActionOp = iota
	OpUpdate
	OpDelete
)

func (op ActionOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func parseActionOp(s string) ActionOp {
	switch s {
	case "update":
		return OpUpdate
	case "delete":
		return OpDelete
	default:
		return OpCreate
	}
}

// ActionStatus is the lifecycle state of an offline action.
type ActionStatus int

const (
	StatusPending ActionStatus = iota
	StatusSynced
	StatusFailed
)

func (st ActionStatus) String() string {
	switch st {
	case StatusSynced:
		return "synced"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func parseActionStatus(s string) ActionStatus {
	switch s {
	case "synced":
		return StatusSynced
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// DefaultMaxRetries is the retry budget for a new action.
const DefaultMaxRetries = 3

// SyncedRetention is how long synced actions are kept before the maintenance
// sweep removes them.
const SyncedRetention = 24 * time.Hour

// OfflineAction is a single pending local mutation awaiting remote
// application. The payload is opaque to the queue.
type OfflineAction struct {
	ID            string         `json:"id"`
	Operation     ActionOp       `json:"operation"`
	Collection    string         `json:"collection"`
	RecordID      string         `json:"record_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Status        ActionStatus   `json:"status"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// ActionQueue is the durable FIFO of pending local mutations. Ordering is
// global by enqueue time, which also preserves per-(collection, recordID)
// order; replaying a record's mutations out of order would corrupt it.
type ActionQueue struct {
	store      *SQLiteStore
	maxRetries int
	logger     *slog.Logger

	// notify is signaled on enqueue so the orchestrator can attempt an
	// immediate pass while online. Buffered; a missed signal is picked up by
	// the next pass anyway.
	notify chan struct{}
}

// NewActionQueue creates a queue over the local store. maxRetries is the
// budget stamped on new actions; zero or negative uses DefaultMaxRetries.
func NewActionQueue(store *SQLiteStore, maxRetries int, logger *slog.Logger) *ActionQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionQueue{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger,
		notify:     make(chan struct{}, 1),
	}
}

// Notify exposes the enqueue signal consumed by the orchestrator.
func (q *ActionQueue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue persists a new pending action and signals the orchestrator.
func (q *ActionQueue) Enqueue(ctx context.Context, op ActionOp, collection, recordID string, payload map[string]any) (*OfflineAction, error) {
	action := &OfflineAction{
		ID:         uuid.NewString(),
		Operation:  op,
		Collection: collection,
		RecordID:   recordID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		MaxRetries: q.maxRetries,
		Status:     StatusPending,
	}

	if err := q.store.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("enqueue action: %w", err)
	}

	q.logger.Debug("action enqueued",
		"id", action.ID,
		"op", op.String(),
		"collection", collection,
		"record_id", recordID)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return action, nil
}

// Drain returns all pending actions ordered by enqueue time ascending.
func (q *ActionQueue) Drain(ctx context.Context) ([]*OfflineAction, error) {
	return q.store.PendingActions(ctx)
}

// MarkSynced records a successful remote application.
func (q *ActionQueue) MarkSynced(ctx context.Context, id string) error {
	return q.store.UpdateActionStatus(ctx, id, StatusSynced, "")
}

// MarkFailed moves an action to the terminal failed state. Failed actions
// stay visible until retried or cleared; they are never auto-deleted.
func (q *ActionQueue) MarkFailed(ctx context.Context, id string, reason string) error {
	return q.store.UpdateActionStatus(ctx, id, StatusFailed, reason)
}

// IncrementRetry bumps the retry counter; once the counter reaches the
// action's budget the store flips it to failed atomically. Returns the
// updated action.
func (q *ActionQueue) IncrementRetry(ctx context.Context, id string, cause error) (*OfflineAction, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	action, err := q.store.IncrementActionRetry(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if action.Status == StatusFailed {
		q.logger.Warn("action exhausted retries",
			"id", id,
			"collection", action.Collection,
			"record_id", action.RecordID,
			"retries", action.RetryCount)
	}
	return action, nil
}

// RetryFailed re-arms a failed action for another round of retries.
func (q *ActionQueue) RetryFailed(ctx context.Context, id string) error {
	return q.store.ResetFailedAction(ctx, id)
}

// PendingCount returns the number of pending actions.
func (q *ActionQueue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountActions(ctx, StatusPending)
}

// FailedCount returns the number of failed actions.
func (q *ActionQueue) FailedCount(ctx context.Context) (int, error) {
	return q.store.CountActions(ctx, StatusFailed)
}

// Sweep removes synced actions older than the retention window.
func (q *ActionQueue) Sweep(ctx context.Context) (int64, error) {
	n, err := q.store.DeleteSyncedBefore(ctx, time.Now().Add(-SyncedRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug("queue sweep removed synced actions", "count", n)
	}
	return n, nil
}
