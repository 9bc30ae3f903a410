// ABOUTME: Polling agent runner: registers on the bus, polls its mailbox, dispatches handlers
// ABOUTME: Acks on success, leaves failures for retry, quarantines poison messages

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonops/agentrelay/internal/bus"
	"github.com/halcyonops/agentrelay/internal/directory"
	"github.com/halcyonops/agentrelay/internal/registry"
	"github.com/halcyonops/agentrelay/internal/schema"
	"github.com/halcyonops/agentrelay/internal/store"
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultStatusEvery      = 12 // ticks between status summaries
	defaultFailureThreshold = 3
)

// Handler processes one inbound message. A nil error acknowledges the
// message; an error leaves it unacknowledged so the next poll retries it.
type Handler func(ctx context.Context, msg *store.Message) error

// Options tunes a Runner.
type Options struct {
	// PollInterval is the mailbox polling period.
	PollInterval time.Duration

	// StatusEvery is how many ticks pass between status log summaries.
	StatusEvery int

	// FailureThreshold is how many consecutive handler failures a message
	// may accumulate before it is quarantined: an ERROR_NOTIFICATION goes
	// to the orchestrator and the message is acknowledged to stop retries.
	FailureThreshold int

	// Capabilities are advertised in the agent's registration.
	Capabilities []string

	Logger *slog.Logger
}

// Runner polls the bus on behalf of one agent and dispatches messages to
// registered handlers by type.
type Runner struct {
	bus     *bus.Bus
	agentID string

	pollInterval     time.Duration
	statusEvery      int
	failureThreshold int
	capabilities     []string
	logger           *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	failures map[string]int // message ID -> consecutive handler failures
	ticks    int
}

// New creates a Runner for agentID on the given bus.
func New(b *bus.Bus, agentID string, opts Options) (*Runner, error) {
	if b == nil {
		return nil, fmt.Errorf("runner: bus is required")
	}
	if agentID == "" {
		return nil, fmt.Errorf("runner: agent ID is required")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	statusEvery := opts.StatusEvery
	if statusEvery <= 0 {
		statusEvery = defaultStatusEvery
	}
	failureThreshold := opts.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		bus:              b,
		agentID:          agentID,
		pollInterval:     pollInterval,
		statusEvery:      statusEvery,
		failureThreshold: failureThreshold,
		capabilities:     opts.Capabilities,
		logger:           logger.With("component", "runner", "agent_id", agentID),
		handlers:         make(map[string]Handler),
		failures:         make(map[string]int),
	}, nil
}

// Handle registers the handler for a message type, replacing any previous
// one. Messages with no handler stay in the mailbox untouched.
func (r *Runner) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// AgentID returns the identity this runner polls as.
func (r *Runner) AgentID() string {
	return r.agentID
}

// Run registers the agent and polls until the context is cancelled. The
// agent is unregistered on the way out.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.bus.RegisterAgent(ctx, r.agentID, &registry.Registration{
		Capabilities: r.capabilities,
	}); err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}
	defer r.bus.UnregisterAgent(r.agentID)

	r.logger.Info("runner started", "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one poll-and-dispatch pass. Exported so the host and tests
// can drive the runner without the ticker.
func (r *Runner) Tick(ctx context.Context) {
	got := r.bus.GetMessages(ctx, r.agentID, bus.GetOptions{})
	if !got.Success {
		r.logger.Error("polling mailbox failed", "error", got.Error)
		return
	}

	dispatched := 0
	for _, msg := range got.Messages {
		if msg.Status != store.StatusSent {
			continue
		}
		if r.dispatch(ctx, msg) {
			dispatched++
		}
	}

	r.mu.Lock()
	r.ticks++
	logStatus := r.ticks%r.statusEvery == 0
	r.mu.Unlock()
	if logStatus {
		r.logStatus(ctx, len(got.Messages), dispatched)
	}
}

// dispatch runs the handler for one message. Returns true when the message
// was handled and acknowledged.
func (r *Runner) dispatch(ctx context.Context, msg *store.Message) bool {
	r.mu.Lock()
	handler, ok := r.handlers[msg.Type]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := handler(ctx, msg); err != nil {
		r.recordFailure(ctx, msg, err)
		return false
	}

	r.mu.Lock()
	delete(r.failures, msg.ID)
	r.mu.Unlock()

	if res := r.bus.Acknowledge(ctx, r.agentID, msg.ID); !res.Success {
		r.logger.Warn("acknowledging handled message failed", "id", msg.ID, "error", res.Error)
		return false
	}
	r.logger.Debug("message handled", "id", msg.ID, "type", msg.Type, "from", msg.Sender)
	return true
}

// recordFailure counts a handler failure. The message stays unacknowledged
// for retry until the threshold, then it is quarantined.
func (r *Runner) recordFailure(ctx context.Context, msg *store.Message, handlerErr error) {
	r.mu.Lock()
	r.failures[msg.ID]++
	count := r.failures[msg.ID]
	r.mu.Unlock()

	r.logger.Warn("handler failed",
		"id", msg.ID, "type", msg.Type, "attempt", count, "error", handlerErr)

	if count < r.failureThreshold {
		return
	}

	// Quarantine: tell the orchestrator, then acknowledge so the poison
	// message stops blocking the mailbox.
	report := r.bus.SendMessage(ctx, r.agentID, directory.AgentOrchestrator,
		schema.TypeErrorNotification, map[string]any{
			"errorMessage": fmt.Sprintf("handler for %s failed %d times: %v", msg.Type, count, handlerErr),
			"messageId":    msg.ID,
			"component":    "runner",
		}, nil)
	if !report.Success {
		r.logger.Error("reporting poison message failed", "id", msg.ID, "error", report.Error)
	}

	if res := r.bus.Acknowledge(ctx, r.agentID, msg.ID); !res.Success {
		r.logger.Error("acknowledging poison message failed", "id", msg.ID, "error", res.Error)
		return
	}
	r.mu.Lock()
	delete(r.failures, msg.ID)
	r.mu.Unlock()
	r.logger.Warn("message quarantined after repeated failures", "id", msg.ID, "type", msg.Type)
}

func (r *Runner) logStatus(ctx context.Context, mailbox, dispatched int) {
	stats, err := r.bus.Stats(ctx)
	if err != nil {
		r.logger.Warn("reading bus stats failed", "error", err)
		return
	}
	r.logger.Info("runner status",
		"mailbox", mailbox,
		"dispatched", dispatched,
		"total_messages", stats.Messages.Total,
		"registered_agents", stats.RegisteredAgents)
}
