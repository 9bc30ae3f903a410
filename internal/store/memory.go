// ABOUTME: In-memory Store implementation backing the default bus configuration
// ABOUTME: Same optimistic-concurrency semantics as the SQLite store, no durability

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps messages in a mutex-guarded map. It is owned by one bus
// instance and rebuilt from scratch on restart; durability comes from the
// SQLite store when configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	hooks    []InsertHook
	logger   *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		logger:   slog.Default().With("component", "store", "backend", "memory"),
	}
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Payload = maps.Clone(m.Payload)
	if m.AcknowledgedAt != nil {
		t := *m.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Insert stores a new message and fires insert hooks.
func (s *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return errors.New("message id must not be empty")
	}

	s.mu.Lock()
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("inserting message: id %s already exists", msg.ID)
	}
	stored := cloneMessage(msg)
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.messages[stored.ID] = stored
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(cloneMessage(stored))
	}
	return nil
}

// Get retrieves a message by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// List returns matching messages newest first.
func (s *MemoryStore) List(ctx context.Context, params ListParams) ([]*Message, error) {
	s.mu.RLock()
	var matched []*Message
	for _, msg := range s.messages {
		if !matches(msg, params) {
			continue
		}
		matched = append(matched, cloneMessage(msg))
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return compareStrings(a.ID, b.ID)
	})

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matches(msg *Message, params ListParams) bool {
	if params.Recipient != "" && msg.Recipient != params.Recipient {
		return false
	}
	if params.Type != "" && msg.Type != params.Type {
		return false
	}
	if params.Sender != "" && msg.Sender != params.Sender {
		return false
	}
	if params.Status != "" && msg.Status != params.Status {
		return false
	}
	if params.Unacknowledged && msg.Status != StatusSent {
		return false
	}
	return true
}

// UpdateStatus applies a guarded, version-checked status transition.
func (s *MemoryStore) UpdateStatus(ctx context.Context, update StatusUpdate) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[update.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Version != update.Version {
		return nil, ErrVersionConflict
	}
	if !msg.Status.CanTransitionTo(update.Status) {
		return nil, ErrStatusRegression
	}

	msg.Status = update.Status
	if update.AcknowledgedBy != "" {
		msg.AcknowledgedBy = update.AcknowledgedBy
	}
	if update.AcknowledgedAt != nil {
		t := *update.AcknowledgedAt
		msg.AcknowledgedAt = &t
	}
	msg.UpdatedAt = time.Now().UTC()
	msg.Version++

	return cloneMessage(msg), nil
}

// MarkRead stamps the read timestamp once.
func (s *MemoryStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.ReadAt == nil {
		t := at
		msg.ReadAt = &t
	}
	return nil
}

// Delete removes a message.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// DeleteExpired removes messages whose expiry has passed.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, msg := range s.messages {
		if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

// PurgeOlderThan removes terminal-status messages created before the cutoff.
func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, msg := range s.messages {
		if msg.Status.IsTerminal() && msg.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

// EnsureAgent is a no-op: the in-memory store has no enumeration tables.
func (s *MemoryStore) EnsureAgent(ctx context.Context, agentID string) error { return nil }

// EnsureType is a no-op: the in-memory store has no enumeration tables.
func (s *MemoryStore) EnsureType(ctx context.Context, name string) error { return nil }

// Stats returns aggregate message counts.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByType:     make(map[string]int),
		ByPriority: make(map[int]int),
		ByStatus:   make(map[Status]int),
	}
	for _, msg := range s.messages {
		stats.Total++
		stats.ByType[msg.Type]++
		stats.ByPriority[msg.Priority]++
		stats.ByStatus[msg.Status]++
	}
	return stats, nil
}

// OnInsert registers a change-notification hook.
func (s *MemoryStore) OnInsert(hook InsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Close releases all held messages.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*Message)
	s.hooks = nil
	return nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var _ Store = (*MemoryStore)(nil)
