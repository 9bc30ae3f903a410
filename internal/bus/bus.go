// ABOUTME: A2A communication layer: schema-validated send, broadcast, ack, confirmation timers
// ABOUTME: Business failures come back as result structs, never as panics or raw errors

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonops/agentrelay/internal/registry"
	"github.com/halcyonops/agentrelay/internal/schema"
	"github.com/halcyonops/agentrelay/internal/store"
)

// RecipientAll is the wildcard recipient meaning "all currently registered
// agents except the sender".
const RecipientAll = "*"

const (
	defaultConfirmationTimeout = 30 * time.Second
	defaultRetention           = 90 * 24 * time.Hour
)

// Options tunes a Bus. Zero values get sensible defaults.
type Options struct {
	// Schema overrides the canonical message type table.
	Schema *schema.Table

	// ConfirmationTimeout is how long a requires-confirmation message may
	// stay unacknowledged before a deliveryTimeout event fires.
	ConfirmationTimeout time.Duration

	// Retention bounds how long terminal-status messages are kept.
	Retention time.Duration

	// NewID generates message IDs. Defaults to UUIDs; pluggable so tests
	// and alternate ID strategies can hook in.
	NewID func() string

	Logger *slog.Logger
}

// Bus is the agent-to-agent communication layer. Each Bus exclusively owns
// its registry and pending-confirmation timers; instances never share state.
type Bus struct {
	registry *registry.Registry
	store    store.Store
	schema   *schema.Table

	confirmTimeout time.Duration
	retention      time.Duration
	newID          func() string
	now            func() time.Time
	logger         *slog.Logger
	events         *emitter

	mu        sync.Mutex
	timers    map[string]*time.Timer
	destroyed bool
}

// New creates a Bus over the given registry and store. Both are required;
// a nil dependency is a programmer error, not a business failure.
func New(reg *registry.Registry, st store.Store, opts Options) (*Bus, error) {
	if reg == nil {
		return nil, errors.New("bus: registry is required")
	}
	if st == nil {
		return nil, errors.New("bus: store is required")
	}

	table := opts.Schema
	if table == nil {
		table = schema.DefaultTable()
	}
	confirmTimeout := opts.ConfirmationTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmationTimeout
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		registry:       reg,
		store:          st,
		schema:         table,
		confirmTimeout: confirmTimeout,
		retention:      retention,
		newID:          newID,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.With("component", "bus"),
		events:         newEmitter(),
		timers:         make(map[string]*time.Timer),
	}, nil
}

// Subscribe registers an event callback and returns an unsubscribe function.
func (b *Bus) Subscribe(fn func(Event)) func() {
	return b.events.subscribe(fn)
}

// Registry returns the registry this bus owns.
func (b *Bus) Registry() *registry.Registry {
	return b.registry
}

// MessageTypes returns the schema table: required and optional payload
// fields per type. Serves both documentation and runtime validation.
func (b *Bus) MessageTypes() map[string]schema.TypeSpec {
	return b.schema.Specs()
}

// ValidationResult reports the outcome of a schema check.
type ValidationResult struct {
	Valid bool
	Error string
}

// ValidateMessage checks a payload against the declared schema for its type.
func (b *Bus) ValidateMessage(msgType string, payload map[string]any) ValidationResult {
	if err := b.schema.Validate(msgType, payload); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// RegisterAgent upserts an agent in the registry, mirrors the identity into
// the store's enumeration, and emits an agentRegistered event.
func (b *Bus) RegisterAgent(ctx context.Context, agentID string, meta *registry.Registration) (*registry.Registration, error) {
	reg, err := b.registry.Register(agentID, meta)
	if err != nil {
		return nil, err
	}
	if err := b.store.EnsureAgent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("mirroring agent into store: %w", err)
	}
	b.events.emit(Event{Kind: EventAgentRegistered, AgentID: agentID, Timestamp: b.now()})
	return reg, nil
}

// UnregisterAgent removes an agent from the registry.
func (b *Bus) UnregisterAgent(agentID string) {
	b.registry.Unregister(agentID)
	b.events.emit(Event{Kind: EventAgentUnregistered, AgentID: agentID, Timestamp: b.now()})
}

// SendOptions tunes one send.
type SendOptions struct {
	Priority             int
	ContextID            string
	RequiresConfirmation bool
	// ConfirmationTimeout overrides the bus default for this message.
	ConfirmationTimeout time.Duration
	// TTL sets an explicit expiry; zero means no expiry.
	TTL time.Duration
}

// SendResult is the outcome of SendMessage.
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
}

// CreateMessage builds a full message record without persisting it. Useful
// for dry runs and tests; SendMessage uses the same construction.
func (b *Bus) CreateMessage(from, to, msgType string, payload map[string]any, opts *SendOptions) *store.Message {
	if opts == nil {
		opts = &SendOptions{}
	}
	priority := opts.Priority
	if priority == 0 {
		priority = store.PriorityNormal
	}

	now := b.now()
	msg := &store.Message{
		ID:        b.newID(),
		Sender:    from,
		Recipient: to,
		Type:      msgType,
		Payload:   payload,
		Status:    store.StatusSent,
		Priority:  priority,
		ContextID: opts.ContextID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		msg.ExpiresAt = &expires
	}
	return msg
}

// SendMessage validates and persists a point-to-point message. Both sender
// and recipient must be registered; a recipient of RecipientAll fans out as
// a broadcast instead.
func (b *Bus) SendMessage(ctx context.Context, from, to, msgType string, payload map[string]any, opts *SendOptions) SendResult {
	if to == RecipientAll {
		res := b.Broadcast(ctx, from, msgType, payload, nil, registry.Filter{}, opts)
		return SendResult{Success: res.Success, Error: res.Error}
	}

	if !b.registry.IsRegistered(from) {
		return SendResult{Error: fmt.Sprintf("sender %q is not registered", from)}
	}
	if !b.registry.IsRegistered(to) {
		return SendResult{Error: fmt.Sprintf("recipient %q is not registered", to)}
	}

	if res := b.ValidateMessage(msgType, payload); !res.Valid {
		return SendResult{Error: res.Error}
	}

	msg := b.CreateMessage(from, to, msgType, payload, opts)

	// The timer is armed before the insert makes the message visible, so an
	// acknowledgement arriving at first visibility always finds it pending.
	if opts != nil && opts.RequiresConfirmation {
		timeout := opts.ConfirmationTimeout
		if timeout <= 0 {
			timeout = b.confirmTimeout
		}
		b.startConfirmationTimer(msg.ID, from, to, timeout)
	}

	if err := b.store.Insert(ctx, msg); err != nil {
		b.cancelConfirmationTimer(msg.ID)
		b.logger.Error("persisting message failed", "error", err, "from", from, "to", to)
		return SendResult{Error: fmt.Sprintf("persisting message: %v", err)}
	}

	b.registry.Touch(from)
	b.events.emit(Event{
		Kind:      EventMessageSent,
		MessageID: msg.ID,
		From:      from,
		To:        to,
		Timestamp: b.now(),
	})
	b.logger.Debug("message sent", "id", msg.ID, "from", from, "to", to, "type", msgType)

	return SendResult{Success: true, MessageID: msg.ID}
}

// startConfirmationTimer arms a delivery-confirmation timer for a message.
// The timer fires at most once and checks the message's current status first,
// so an acknowledged message can never produce a deliveryTimeout.
func (b *Bus) startConfirmationTimer(messageID, from, to string, timeout time.Duration) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.timers[messageID] = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		if _, pending := b.timers[messageID]; !pending {
			// Cancelled by acknowledgement or removal while we were firing.
			b.mu.Unlock()
			return
		}
		delete(b.timers, messageID)
		b.mu.Unlock()

		msg, err := b.store.Get(context.Background(), messageID)
		if err != nil || msg.Status != store.StatusSent {
			return
		}
		b.logger.Warn("delivery confirmation timed out", "id", messageID, "from", from, "to", to)
		b.events.emit(Event{
			Kind:      EventDeliveryTimeout,
			MessageID: messageID,
			From:      from,
			To:        to,
			Timestamp: b.now(),
		})
	})
	b.mu.Unlock()
}

// cancelConfirmationTimer stops a pending timer. Returns true if one was
// pending, guaranteeing the cancel happens exactly once per message.
func (b *Bus) cancelConfirmationTimer(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, pending := b.timers[messageID]
	if !pending {
		return false
	}
	delete(b.timers, messageID)
	t.Stop()
	return true
}

// BroadcastResult aggregates the outcome of a fan-out send.
type BroadcastResult struct {
	Success      bool
	TotalTargets int
	Successful   int
	Failed       int
	MessageIDs   []string
	Error        string
}

// Broadcast sends one logical message to a computed set of recipients.
// Explicit targets win when non-empty; otherwise all registered agents
// except the sender, narrowed by the filter.
func (b *Bus) Broadcast(ctx context.Context, from, msgType string, payload map[string]any, explicitTargets []string, filter registry.Filter, opts *SendOptions) BroadcastResult {
	if !b.registry.IsRegistered(from) {
		return BroadcastResult{Error: fmt.Sprintf("sender %q is not registered", from)}
	}
	if res := b.ValidateMessage(msgType, payload); !res.Valid {
		return BroadcastResult{Error: res.Error}
	}

	var targets []string
	if len(explicitTargets) > 0 {
		targets = explicitTargets
	} else {
		for _, reg := range b.registry.Select(filter, from) {
			targets = append(targets, reg.AgentID)
		}
	}

	result := BroadcastResult{TotalTargets: len(targets)}
	for _, target := range targets {
		res := b.SendMessage(ctx, from, target, msgType, payload, opts)
		if res.Success {
			result.Successful++
			result.MessageIDs = append(result.MessageIDs, res.MessageID)
		} else {
			result.Failed++
			b.logger.Warn("broadcast target failed", "from", from, "to", target, "error", res.Error)
		}
	}
	result.Success = result.Failed == 0

	b.logger.Debug("broadcast complete",
		"from", from, "type", msgType,
		"targets", result.TotalTargets, "successful", result.Successful, "failed", result.Failed)
	return result
}

// GetOptions filters a mailbox retrieval.
type GetOptions struct {
	Type       string
	From       string
	Limit      int
	MarkAsRead bool
}

// GetResult is the outcome of GetMessages.
type GetResult struct {
	Success  bool
	Messages []*store.Message
	Error    string
}

// GetMessages returns messages addressed to agentID, newest first. Retrieval
// doubles as a liveness signal: the agent's lastSeen is always refreshed.
func (b *Bus) GetMessages(ctx context.Context, agentID string, opts GetOptions) GetResult {
	b.registry.Touch(agentID)

	messages, err := b.store.List(ctx, store.ListParams{
		Recipient: agentID,
		Type:      opts.Type,
		Sender:    opts.From,
		Limit:     opts.Limit,
	})
	if err != nil {
		b.logger.Error("listing messages failed", "error", err, "agent_id", agentID)
		return GetResult{Error: fmt.Sprintf("listing messages: %v", err)}
	}

	if opts.MarkAsRead {
		at := b.now()
		for _, msg := range messages {
			if err := b.store.MarkRead(ctx, msg.ID, at); err != nil {
				b.logger.Warn("marking message read failed", "id", msg.ID, "error", err)
			} else if msg.ReadAt == nil {
				t := at
				msg.ReadAt = &t
			}
		}
	}

	return GetResult{Success: true, Messages: messages}
}

// Result is the outcome of acknowledge/remove style operations.
type Result struct {
	Success bool
	Error   string
}

// Acknowledge transitions a message to ACKNOWLEDGED on behalf of its
// recipient and cancels any pending confirmation timer. A message belonging
// to a different agent reads as not found.
func (b *Bus) Acknowledge(ctx context.Context, agentID, messageID string) Result {
	return b.transition(ctx, agentID, messageID, store.StatusAcknowledged)
}

// MarkProcessed transitions an acknowledged message to its terminal
// PROCESSED state.
func (b *Bus) MarkProcessed(ctx context.Context, agentID, messageID string) Result {
	return b.transition(ctx, agentID, messageID, store.StatusProcessed)
}

func (b *Bus) transition(ctx context.Context, agentID, messageID string, next store.Status) Result {
	// Version conflicts mean another writer got there first; re-read and
	// retry a bounded number of times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		msg, err := b.store.Get(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && msg.Recipient != agentID) {
			return Result{Error: fmt.Sprintf("message %q not found for agent %q", messageID, agentID)}
		}
		if err != nil {
			return Result{Error: fmt.Sprintf("reading message: %v", err)}
		}

		update := store.StatusUpdate{
			ID:      messageID,
			Status:  next,
			Version: msg.Version,
		}
		if next == store.StatusAcknowledged {
			at := b.now()
			update.AcknowledgedBy = agentID
			update.AcknowledgedAt = &at
		}

		_, err = b.store.UpdateStatus(ctx, update)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrStatusRegression) {
			return Result{Error: fmt.Sprintf("message %q is already %s", messageID, msg.Status)}
		}
		if err != nil {
			return Result{Error: fmt.Sprintf("updating message: %v", err)}
		}

		b.registry.Touch(agentID)
		if next == store.StatusAcknowledged {
			b.events.emit(Event{
				Kind:      EventMessageAcknowledged,
				MessageID: messageID,
				From:      msg.Sender,
				To:        msg.Recipient,
				AgentID:   agentID,
				Timestamp: b.now(),
			})
			if b.cancelConfirmationTimer(messageID) {
				b.events.emit(Event{
					Kind:      EventDeliveryConfirmed,
					MessageID: messageID,
					From:      msg.Sender,
					To:        msg.Recipient,
					Timestamp: b.now(),
				})
			}
		}
		return Result{Success: true}
	}
	return Result{Error: fmt.Sprintf("message %q kept changing concurrently, giving up", messageID)}
}

// RemoveMessage deletes a message the agent sent or received, cancelling any
// pending confirmation timer without emitting a timeout.
func (b *Bus) RemoveMessage(ctx context.Context, agentID, messageID string) Result {
	msg, err := b.store.Get(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.Recipient != agentID && msg.Sender != agentID) {
		return Result{Error: fmt.Sprintf("message %q not found for agent %q", messageID, agentID)}
	}
	if err != nil {
		return Result{Error: fmt.Sprintf("reading message: %v", err)}
	}

	if err := b.store.Delete(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Error: fmt.Sprintf("message %q not found for agent %q", messageID, agentID)}
		}
		return Result{Error: fmt.Sprintf("deleting message: %v", err)}
	}

	b.cancelConfirmationTimer(messageID)
	b.events.emit(Event{
		Kind:      EventMessageRemoved,
		MessageID: messageID,
		From:      msg.Sender,
		To:        msg.Recipient,
		AgentID:   agentID,
		Timestamp: b.now(),
	})
	return Result{Success: true}
}

// CleanupOldMessages removes expired messages and purges terminal-status
// messages past the retention window. The host process owns the schedule;
// tests invoke it synchronously.
func (b *Bus) CleanupOldMessages(ctx context.Context) (int, error) {
	expired, err := b.store.DeleteExpired(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("deleting expired messages: %w", err)
	}
	purged, err := b.store.PurgeOlderThan(ctx, b.now().Add(-b.retention))
	if err != nil {
		return expired, fmt.Errorf("purging old messages: %w", err)
	}
	return expired + purged, nil
}

// Stats aggregates bus-wide counters for diagnostics endpoints.
type Stats struct {
	Messages         *store.Stats
	RegisteredAgents int
	PendingTimers    int
}

// Stats returns aggregate message counts and the registered-agent count.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	msgStats, err := b.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}
	b.mu.Lock()
	pending := len(b.timers)
	b.mu.Unlock()
	return &Stats{
		Messages:         msgStats,
		RegisteredAgents: b.registry.Count(),
		PendingTimers:    pending,
	}, nil
}

// StatusSnapshot is a point-in-time view of the bus for health endpoints.
type StatusSnapshot struct {
	RegisteredAgents int
	Agents           []*registry.Registration
	TotalMessages    int
}

// Status returns a snapshot of registry entries and message totals.
func (b *Bus) Status(ctx context.Context) (*StatusSnapshot, error) {
	msgStats, err := b.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}
	agents := b.registry.List()
	return &StatusSnapshot{
		RegisteredAgents: len(agents),
		Agents:           agents,
		TotalMessages:    msgStats.Total,
	}, nil
}

// HealthResult is the outcome of a HealthCheck round trip.
type HealthResult struct {
	Healthy bool
	Detail  string
}

// HealthCheck registers a transient probe agent, sends itself a message,
// and confirms the message can be retrieved. The probe is cleaned up
// regardless of outcome.
func (b *Bus) HealthCheck(ctx context.Context) HealthResult {
	probe := "healthcheck-" + b.newID()
	if _, err := b.RegisterAgent(ctx, probe, nil); err != nil {
		return HealthResult{Detail: fmt.Sprintf("registering probe agent: %v", err)}
	}
	defer b.UnregisterAgent(probe)

	sent := b.SendMessage(ctx, probe, probe, schema.TypeRequestForInfo, map[string]any{}, nil)
	if !sent.Success {
		return HealthResult{Detail: "probe send failed: " + sent.Error}
	}
	defer b.RemoveMessage(ctx, probe, sent.MessageID)

	got := b.GetMessages(ctx, probe, GetOptions{})
	if !got.Success {
		return HealthResult{Detail: "probe retrieval failed: " + got.Error}
	}
	for _, msg := range got.Messages {
		if msg.ID == sent.MessageID {
			return HealthResult{Healthy: true, Detail: "round trip ok"}
		}
	}
	return HealthResult{Detail: "probe message not found on retrieval"}
}

// Destroy releases all in-memory state: pending timers, subscriptions, and
// the registry. Idempotent; the store itself stays open for its owner.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	b.events.reset()
	b.registry.Reset()
	b.logger.Info("bus destroyed")
}
