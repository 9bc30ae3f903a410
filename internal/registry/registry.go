// ABOUTME: In-memory directory of currently active agents and their capabilities
// ABOUTME: Used for send-time addressing checks and broadcast target filtering

package registry

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Registration describes one registered agent. The registry hands out copies;
// mutating a returned Registration does not affect stored state.
type Registration struct {
	AgentID      string
	Capabilities []string
	Status       string
	LastSeen     time.Time
	Metadata     map[string]any
	RegisteredAt time.Time
}

func (r *Registration) clone() *Registration {
	c := *r
	c.Capabilities = slices.Clone(r.Capabilities)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// HasCapability reports whether the agent declares the given capability.
func (r *Registration) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// Filter narrows a set of registrations. Capabilities requires at least one
// match; Status is an exact match. Zero values mean "no constraint".
type Filter struct {
	Capabilities []string
	Status       string
}

// Registry tracks currently reachable agents. It is process-local and
// non-persistent: state is rebuilt from scratch on restart. Each Registry is
// explicitly owned by its creator; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Registration
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Registration),
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// Register upserts an agent entry and returns the stored registration.
// Capabilities, status, and metadata from meta are merged over any existing
// entry; a nil meta registers the agent with defaults.
func (r *Registry) Register(agentID string, meta *Registration) (*Registration, error) {
	if agentID == "" {
		return nil, errors.New("agent id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	reg, exists := r.agents[agentID]
	if !exists {
		reg = &Registration{
			AgentID:      agentID,
			Status:       "active",
			Metadata:     make(map[string]any),
			RegisteredAt: now,
		}
		r.agents[agentID] = reg
	}
	reg.LastSeen = now

	if meta != nil {
		if len(meta.Capabilities) > 0 {
			reg.Capabilities = slices.Clone(meta.Capabilities)
		}
		if meta.Status != "" {
			reg.Status = meta.Status
		}
		for k, v := range meta.Metadata {
			reg.Metadata[k] = v
		}
	}

	r.logger.Info("agent registered",
		"agent_id", agentID,
		"capabilities", reg.Capabilities,
		"status", reg.Status,
		"total_agents", len(r.agents),
	)
	return reg.clone(), nil
}

// Unregister removes an agent entry. Removing an absent agent is not an error.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		delete(r.agents, agentID)
		r.logger.Info("agent unregistered", "agent_id", agentID, "total_agents", len(r.agents))
	}
}

// UpdateStatus sets the agent's status, merges extra fields into its
// metadata, and refreshes lastSeen. Returns ErrAgentNotFound if absent.
func (r *Registry) UpdateStatus(agentID, status string, extra map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.agents[agentID]
	if !exists {
		return ErrAgentNotFound
	}

	if status != "" {
		reg.Status = status
	}
	for k, v := range extra {
		reg.Metadata[k] = v
	}
	reg.LastSeen = r.now()
	return nil
}

// Touch refreshes the agent's lastSeen timestamp. Retrieval doubles as a
// liveness signal, so the bus calls this on every getMessages. Touching an
// unregistered agent is a no-op.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, exists := r.agents[agentID]; exists {
		reg.LastSeen = r.now()
	}
}

// Get returns a copy of the registration for agentID.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return reg.clone(), true
}

// IsRegistered reports whether the agent is currently registered.
func (r *Registry) IsRegistered(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns copies of all registrations, ordered by agent ID.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		regs = append(regs, reg.clone())
	}
	slices.SortFunc(regs, func(a, b *Registration) int {
		return compareStrings(a.AgentID, b.AgentID)
	})
	return regs
}

// Select returns registrations matching the filter, excluding the given
// agent ID (pass "" to exclude nobody). Used to resolve broadcast targets.
func (r *Registry) Select(filter Filter, exclude string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []*Registration
	for id, reg := range r.agents {
		if id == exclude {
			continue
		}
		if filter.Status != "" && reg.Status != filter.Status {
			continue
		}
		if len(filter.Capabilities) > 0 && !hasAnyCapability(reg, filter.Capabilities) {
			continue
		}
		regs = append(regs, reg.clone())
	}
	slices.SortFunc(regs, func(a, b *Registration) int {
		return compareStrings(a.AgentID, b.AgentID)
	})
	return regs
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Reset removes all registrations. Called by the bus on Destroy.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Registration)
}

func hasAnyCapability(reg *Registration, wanted []string) bool {
	for _, c := range wanted {
		if reg.HasCapability(c) {
			return true
		}
	}
	return false
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
