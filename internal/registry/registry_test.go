package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Upsert(t *testing.T) {
	r := New(nil)

	reg, err := r.Register("agent-a", &Registration{
		Capabilities: []string{"analysis"},
		Status:       "active",
		Metadata:     map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-a", reg.AgentID)
	assert.Equal(t, []string{"analysis"}, reg.Capabilities)

	// Re-registering merges instead of replacing metadata wholesale.
	reg, err = r.Register("agent-a", &Registration{
		Status:   "busy",
		Metadata: map[string]any{"load": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "busy", reg.Status)
	assert.Equal(t, "eu", reg.Metadata["region"])
	assert.Equal(t, 3, reg.Metadata["load"])
	assert.Equal(t, 1, r.Count())
}

func TestRegister_EmptyID(t *testing.T) {
	r := New(nil)

	_, err := r.Register("", nil)
	assert.Error(t, err)
}

func TestUnregister_AbsentIsNoop(t *testing.T) {
	r := New(nil)

	r.Unregister("ghost")
	assert.Equal(t, 0, r.Count())
}

func TestUpdateStatus(t *testing.T) {
	r := New(nil)
	_, err := r.Register("agent-a", nil)
	require.NoError(t, err)

	before, _ := r.Get("agent-a")

	r.now = func() time.Time { return before.LastSeen.Add(time.Minute) }
	require.NoError(t, r.UpdateStatus("agent-a", "busy", map[string]any{"task": "t1"}))

	reg, ok := r.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, "busy", reg.Status)
	assert.Equal(t, "t1", reg.Metadata["task"])
	assert.True(t, reg.LastSeen.After(before.LastSeen))

	assert.ErrorIs(t, r.UpdateStatus("ghost", "busy", nil), ErrAgentNotFound)
}

func TestTouch_RefreshesLastSeen(t *testing.T) {
	r := New(nil)
	_, err := r.Register("agent-a", nil)
	require.NoError(t, err)
	before, _ := r.Get("agent-a")

	r.now = func() time.Time { return before.LastSeen.Add(time.Second) }
	r.Touch("agent-a")

	after, _ := r.Get("agent-a")
	assert.True(t, after.LastSeen.After(before.LastSeen))

	// Touching an unregistered agent must not create an entry.
	r.Touch("ghost")
	assert.Equal(t, 1, r.Count())
}

func TestSelect_CapabilityAndStatusFilter(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, "a", []string{"analysis", "writing"}, "active")
	mustRegister(t, r, "b", []string{"writing"}, "active")
	mustRegister(t, r, "c", []string{"analysis"}, "busy")

	got := r.Select(Filter{Capabilities: []string{"analysis"}}, "")
	assert.Equal(t, []string{"a", "c"}, ids(got))

	got = r.Select(Filter{Capabilities: []string{"analysis"}, Status: "active"}, "")
	assert.Equal(t, []string{"a"}, ids(got))

	// The sender is excluded even when it matches the filter.
	got = r.Select(Filter{Capabilities: []string{"analysis"}}, "a")
	assert.Equal(t, []string{"c"}, ids(got))
}

func TestSelect_NoFilterReturnsAllButExcluded(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, "a", nil, "")
	mustRegister(t, r, "b", nil, "")

	got := r.Select(Filter{}, "a")
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, "a", []string{"x"}, "active")

	reg, ok := r.Get("a")
	require.True(t, ok)
	reg.Capabilities[0] = "mutated"
	reg.Metadata["injected"] = true

	fresh, _ := r.Get("a")
	assert.Equal(t, "x", fresh.Capabilities[0])
	assert.NotContains(t, fresh.Metadata, "injected")
}

func TestReset(t *testing.T) {
	r := New(nil)
	mustRegister(t, r, "a", nil, "")

	r.Reset()
	assert.Equal(t, 0, r.Count())
}

func mustRegister(t *testing.T, r *Registry, id string, caps []string, status string) {
	t.Helper()
	_, err := r.Register(id, &Registration{Capabilities: caps, Status: status})
	require.NoError(t, err)
}

func ids(regs []*Registration) []string {
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.AgentID
	}
	return out
}
