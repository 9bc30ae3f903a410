package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonops/agentrelay/internal/registry"
	"github.com/halcyonops/agentrelay/internal/schema"
	"github.com/halcyonops/agentrelay/internal/store"
)

// eventRecorder collects bus events from any goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func setupBus(t *testing.T, opts Options) (*Bus, *eventRecorder) {
	t.Helper()
	b, err := New(registry.New(nil), store.NewMemoryStore(), opts)
	require.NoError(t, err)
	t.Cleanup(b.Destroy)

	rec := &eventRecorder{}
	b.Subscribe(rec.record)
	return b, rec
}

func registerAgents(t *testing.T, b *Bus, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := b.RegisterAgent(context.Background(), id, nil)
		require.NoError(t, err)
	}
}

func delegationPayload() map[string]any {
	return map[string]any{
		"taskId":      "t1",
		"description": "x",
		"priority":    "high",
		"deadline":    "2024-01-01T00:00:00Z",
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, store.NewMemoryStore(), Options{})
	assert.Error(t, err)

	_, err = New(registry.New(nil), nil, Options{})
	assert.Error(t, err)
}

func TestSendAcknowledgeRoundTrip(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	sent := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil)
	require.True(t, sent.Success, sent.Error)
	require.NotEmpty(t, sent.MessageID)

	got := b.GetMessages(ctx, "B", GetOptions{})
	require.True(t, got.Success)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, schema.TypeTaskDelegation, got.Messages[0].Type)
	assert.Equal(t, store.StatusSent, got.Messages[0].Status)

	ack := b.Acknowledge(ctx, "B", sent.MessageID)
	require.True(t, ack.Success, ack.Error)

	// The message is still retrievable, now acknowledged.
	got = b.GetMessages(ctx, "B", GetOptions{})
	require.Len(t, got.Messages, 1)
	assert.Equal(t, store.StatusAcknowledged, got.Messages[0].Status)
	assert.Equal(t, "B", got.Messages[0].AcknowledgedBy)
}

func TestSendMessage_ValidationFailures(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, map[string]any{"taskId": "t1"}, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "description")

	res = b.SendMessage(ctx, "A", "B", "NOT_A_TYPE", map[string]any{}, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown message type")
}

func TestSendMessage_RegistrationPrecondition(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A")

	cases := []struct {
		name     string
		from, to string
	}{
		{"unregistered recipient", "A", "ghost"},
		{"unregistered sender", "ghost", "A"},
		{"both unregistered", "ghost", "phantom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := b.SendMessage(ctx, tc.from, tc.to, schema.TypeTaskDelegation, delegationPayload(), nil)
			require.False(t, res.Success)
			assert.Contains(t, res.Error, "not registered")
		})
	}
}

func TestBroadcast_AllRegisteredExceptSender(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "sender", "a", "b", "c")

	res := b.Broadcast(ctx, "sender", schema.TypeRequestForInfo, map[string]any{}, nil, registry.Filter{}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.TotalTargets)
	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 0, res.Failed)

	// The sender's own mailbox stays empty.
	got := b.GetMessages(ctx, "sender", GetOptions{})
	assert.Empty(t, got.Messages)
}

func TestBroadcast_CapabilityFilter(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()

	register := func(id string, caps []string) {
		_, err := b.RegisterAgent(ctx, id, &registry.Registration{Capabilities: caps})
		require.NoError(t, err)
	}
	register("sender", []string{"analysis"}) // matches, but must be excluded
	register("match", []string{"analysis"})
	register("other", []string{"writing"})

	res := b.Broadcast(ctx, "sender", schema.TypeRequestForInfo, map[string]any{},
		nil, registry.Filter{Capabilities: []string{"analysis"}}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.TotalTargets)

	assert.Len(t, b.GetMessages(ctx, "match", GetOptions{}).Messages, 1)
	assert.Empty(t, b.GetMessages(ctx, "other", GetOptions{}).Messages)
	assert.Empty(t, b.GetMessages(ctx, "sender", GetOptions{}).Messages)
}

func TestBroadcast_ExplicitTargetsWin(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "sender", "a", "b", "c")

	res := b.Broadcast(ctx, "sender", schema.TypeRequestForInfo, map[string]any{},
		[]string{"a"}, registry.Filter{}, nil)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.TotalTargets)
	assert.Len(t, b.GetMessages(ctx, "a", GetOptions{}).Messages, 1)
	assert.Empty(t, b.GetMessages(ctx, "b", GetOptions{}).Messages)
}

func TestSendMessage_WildcardRecipientFansOut(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "sender", "a", "b")

	res := b.SendMessage(ctx, "sender", RecipientAll, schema.TypeRequestForInfo, map[string]any{}, nil)
	require.True(t, res.Success, res.Error)
	assert.Len(t, b.GetMessages(ctx, "a", GetOptions{}).Messages, 1)
	assert.Len(t, b.GetMessages(ctx, "b", GetOptions{}).Messages, 1)
}

func TestDeliveryTimeout_FiresExactlyOnceWithoutAck(t *testing.T) {
	b, rec := setupBus(t, Options{ConfirmationTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{RequiresConfirmation: true})
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		return rec.count(EventDeliveryTimeout) == 1
	}, time.Second, 5*time.Millisecond)

	// No late second firing, and no spurious confirmation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventDeliveryTimeout))
	assert.Equal(t, 0, rec.count(EventDeliveryConfirmed))
}

func TestDeliveryConfirmed_AckBeforeTimeout(t *testing.T) {
	b, rec := setupBus(t, Options{ConfirmationTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{RequiresConfirmation: true})
	require.True(t, res.Success)

	ack := b.Acknowledge(ctx, "B", res.MessageID)
	require.True(t, ack.Success, ack.Error)

	assert.Equal(t, 1, rec.count(EventDeliveryConfirmed))

	// Wait past the timeout window: no deliveryTimeout may fire.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDeliveryTimeout))
	assert.Equal(t, 1, rec.count(EventDeliveryConfirmed))
}

func TestDeliveryConfirmed_AckAtFirstVisibility(t *testing.T) {
	st := store.NewMemoryStore()
	b, err := New(registry.New(nil), st, Options{ConfirmationTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)

	rec := &eventRecorder{}
	b.Subscribe(rec.record)

	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	// Acknowledge the instant the message becomes visible in the store,
	// before SendMessage has returned to the caller.
	st.OnInsert(func(msg *store.Message) {
		if msg.Recipient == "B" {
			ack := b.Acknowledge(ctx, "B", msg.ID)
			require.True(t, ack.Success, ack.Error)
		}
	})

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{RequiresConfirmation: true})
	require.True(t, res.Success, res.Error)

	assert.Equal(t, 1, rec.count(EventDeliveryConfirmed))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDeliveryTimeout))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingTimers)
}

func TestAcknowledge_NotFoundAndMismatch(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B", "C")

	res := b.Acknowledge(ctx, "B", "no-such-id")
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	sent := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil)
	require.True(t, sent.Success)

	// A different agent cannot acknowledge B's message.
	res = b.Acknowledge(ctx, "C", sent.MessageID)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestAcknowledge_NoStatusRegression(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	sent := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil)
	require.True(t, sent.Success)

	require.True(t, b.Acknowledge(ctx, "B", sent.MessageID).Success)
	require.True(t, b.MarkProcessed(ctx, "B", sent.MessageID).Success)

	// Acknowledging a processed message would be a regression.
	res := b.Acknowledge(ctx, "B", sent.MessageID)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "already")
}

func TestRemoveMessage(t *testing.T) {
	b, rec := setupBus(t, Options{ConfirmationTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	sent := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{RequiresConfirmation: true})
	require.True(t, sent.Success)

	res := b.RemoveMessage(ctx, "B", sent.MessageID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, rec.count(EventMessageRemoved))

	// Removal cancelled the pending timer; no timeout may fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDeliveryTimeout))

	res = b.RemoveMessage(ctx, "B", sent.MessageID)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestGetMessages_MarkAsRead(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	sent := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil)
	require.True(t, sent.Success)

	got := b.GetMessages(ctx, "B", GetOptions{MarkAsRead: true})
	require.Len(t, got.Messages, 1)
	assert.NotNil(t, got.Messages[0].ReadAt)

	got = b.GetMessages(ctx, "B", GetOptions{})
	require.Len(t, got.Messages, 1)
	assert.NotNil(t, got.Messages[0].ReadAt)
}

func TestGetMessages_RefreshesLastSeen(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A")

	before, ok := b.Registry().Get("A")
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	b.GetMessages(ctx, "A", GetOptions{})

	after, ok := b.Registry().Get("A")
	require.True(t, ok)
	assert.True(t, after.LastSeen.After(before.LastSeen) || after.LastSeen.Equal(before.LastSeen))
}

func TestCleanupOldMessages_Synchronous(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{TTL: time.Nanosecond})
	require.True(t, res.Success)

	time.Sleep(time.Millisecond)
	removed, err := b.CleanupOldMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, b.GetMessages(ctx, "B", GetOptions{}).Messages)
}

func TestStatsAndStatus(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	require.True(t, b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil).Success)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages.Total)
	assert.Equal(t, 2, stats.RegisteredAgents)
	assert.Equal(t, 1, stats.Messages.ByType[schema.TypeTaskDelegation])

	status, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.RegisteredAgents)
	assert.Len(t, status.Agents, 2)
	assert.Equal(t, 1, status.TotalMessages)
}

func TestHealthCheck(t *testing.T) {
	b, _ := setupBus(t, Options{})

	res := b.HealthCheck(context.Background())
	assert.True(t, res.Healthy, res.Detail)

	// The transient probe agent does not linger.
	assert.Equal(t, 0, b.Registry().Count())
}

func TestDestroy_IdempotentAndStopsTimers(t *testing.T) {
	b, rec := setupBus(t, Options{ConfirmationTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{RequiresConfirmation: true})
	require.True(t, res.Success)

	b.Destroy()
	b.Destroy() // idempotent

	assert.Equal(t, 0, b.Registry().Count())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count(EventDeliveryTimeout))
}

func TestCreateMessage_PureConstruction(t *testing.T) {
	b, _ := setupBus(t, Options{})
	ctx := context.Background()

	msg := b.CreateMessage("A", "B", schema.TypeTaskDelegation, delegationPayload(),
		&SendOptions{ContextID: "thread-1", TTL: time.Hour})
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, store.StatusSent, msg.Status)
	assert.Equal(t, store.PriorityNormal, msg.Priority)
	assert.Equal(t, "thread-1", msg.ContextID)
	assert.NotNil(t, msg.ExpiresAt)

	// Nothing was persisted.
	registerAgents(t, b, "B")
	assert.Empty(t, b.GetMessages(ctx, "B", GetOptions{}).Messages)
}

func TestMessageTypes_ExposesSchemaTable(t *testing.T) {
	b, _ := setupBus(t, Options{})

	types := b.MessageTypes()
	spec, ok := types[schema.TypeTaskDelegation]
	require.True(t, ok)
	assert.Contains(t, spec.Required, "deadline")
}

func TestPluggableIDGenerator(t *testing.T) {
	seq := 0
	b, err := New(registry.New(nil), store.NewMemoryStore(), Options{
		NewID: func() string { seq++; return "msg-" + string(rune('0'+seq)) },
	})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	ctx := context.Background()
	registerAgents(t, b, "A", "B")

	res := b.SendMessage(ctx, "A", "B", schema.TypeTaskDelegation, delegationPayload(), nil)
	require.True(t, res.Success)
	assert.Equal(t, "msg-1", res.MessageID)
}
