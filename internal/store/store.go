// ABOUTME: Store interface and data types for agentrelay message persistence
// ABOUTME: Defines the Message struct, status lifecycle, and optimistic-concurrency contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("message not found")

// ErrVersionConflict is returned when an update presents a stale version.
// Callers should re-read and retry; it is deliberately distinct from
// ErrNotFound so callers can tell a race from a deletion.
var ErrVersionConflict = errors.New("version conflict: message was updated concurrently")

// ErrStatusRegression is returned when an update would move a message
// backwards through its lifecycle.
var ErrStatusRegression = errors.New("status regression not allowed")

// Status is the delivery state of a message. Transitions are monotonic:
// SENT -> ACKNOWLEDGED -> PROCESSED, never backwards.
type Status string

const (
	StatusSent         Status = "SENT"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusProcessed    Status = "PROCESSED"
)

// rank orders statuses for monotonicity checks. Unknown statuses rank lowest.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusAcknowledged:
		return 2
	case StatusProcessed:
		return 3
	default:
		return 0
	}
}

// CanTransitionTo reports whether moving from s to next is a forward step.
func (s Status) CanTransitionTo(next Status) bool {
	return next.rank() > s.rank()
}

// IsTerminal reports whether the status ends the message lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed
}

// Priority values used for mailbox ordering. Ordering only; never correctness.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 9
)

// Message is one typed agent-to-agent message. Everything except Status,
// AcknowledgedBy, AcknowledgedAt, ReadAt, UpdatedAt, and Version is immutable
// after creation.
type Message struct {
	ID             string
	Sender         string
	Recipient      string
	Type           string
	Payload        map[string]any
	Status         Status
	Priority       int
	ContextID      string
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	ReadAt         *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
	Signature      string
}

// ListParams selects messages from a recipient's mailbox.
type ListParams struct {
	Recipient      string
	Type           string // optional: filter by message type
	Sender         string // optional: filter by sender
	Status         Status // optional: filter by status
	Unacknowledged bool   // only messages still in SENT
	Limit          int    // 0 means the store default
}

// StatusUpdate describes a guarded status transition. Version must be the
// version the caller last read; a mismatch yields ErrVersionConflict.
type StatusUpdate struct {
	ID             string
	Status         Status
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	Version        int64
}

// Stats aggregates message counts for diagnostics.
type Stats struct {
	Total      int
	ByType     map[string]int
	ByPriority map[int]int
	ByStatus   map[Status]int
}

// InsertHook is invoked after a message row is persisted. Used as the
// change-notification point for dashboards and other subscribers.
type InsertHook func(msg *Message)

// Store is the persistence contract for messages. Both the in-memory and the
// SQLite implementation honor the same optimistic-concurrency semantics, so
// the bus works unchanged over either.
type Store interface {
	// Insert persists a new message. The message must carry an ID; Version
	// is initialized to 1.
	Insert(ctx context.Context, msg *Message) error

	// Get retrieves one message by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns messages matching params, newest first (created_at DESC,
	// then priority DESC as tiebreak).
	List(ctx context.Context, params ListParams) ([]*Message, error)

	// UpdateStatus applies a guarded status transition. Returns
	// ErrVersionConflict on a stale version, ErrStatusRegression on a
	// backwards transition, ErrNotFound if the message is gone.
	UpdateStatus(ctx context.Context, update StatusUpdate) (*Message, error)

	// MarkRead stamps the read timestamp. Idempotent; the first stamp wins.
	MarkRead(ctx context.Context, id string, at time.Time) error

	// Delete removes a message. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes messages whose expiry timestamp has passed,
	// regardless of status, and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// PurgeOlderThan removes terminal-status messages created before the
	// cutoff. In-flight messages are never touched.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// EnsureAgent adds an identity to the allowed-sender/recipient set.
	// Adding an existing identity is a no-op.
	EnsureAgent(ctx context.Context, agentID string) error

	// EnsureType adds a message type to the allowed-type set.
	EnsureType(ctx context.Context, name string) error

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (*Stats, error)

	// OnInsert registers a change-notification hook for new messages.
	OnInsert(hook InsertHook)

	// Close releases any resources held by the store.
	Close() error
}
