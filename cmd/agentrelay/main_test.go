// ABOUTME: Tests for the serve-mode wiring in openBus
// ABOUTME: Directory identities must be addressable, orchestrator escalation included

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonops/agentrelay/internal/bus"
	"github.com/halcyonops/agentrelay/internal/config"
	"github.com/halcyonops/agentrelay/internal/directory"
	"github.com/halcyonops/agentrelay/internal/runner"
	"github.com/halcyonops/agentrelay/internal/schema"
	"github.com/halcyonops/agentrelay/internal/store"
)

func testOpenBus(t *testing.T) *bus.Bus {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, st, err := openBus(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Destroy()
		st.Close()
	})
	return b
}

func TestOpenBus_RegistersDirectoryAgents(t *testing.T) {
	b := testOpenBus(t)

	for _, id := range directory.Default().Agents() {
		assert.True(t, b.Registry().IsRegistered(id), "directory agent %s not registered", id)
	}
}

func TestOpenBus_PoisonEscalationReachesOrchestrator(t *testing.T) {
	b := testOpenBus(t)
	ctx := context.Background()

	r, err := runner.New(b, "research-agent", runner.Options{FailureThreshold: 1})
	require.NoError(t, err)
	r.Handle(schema.TypeProgressUpdate, func(context.Context, *store.Message) error {
		return errors.New("permanently broken")
	})

	sent := b.SendMessage(ctx, directory.AgentCLI, "research-agent", schema.TypeProgressUpdate,
		map[string]any{"taskId": "t1", "status": "running", "progress": 10}, nil)
	require.True(t, sent.Success, sent.Error)

	r.Tick(ctx)

	// The escalation arrives without anything beyond openBus registering
	// the orchestrator.
	orch := b.GetMessages(ctx, directory.AgentOrchestrator, bus.GetOptions{})
	require.True(t, orch.Success, orch.Error)
	require.Len(t, orch.Messages, 1)
	assert.Equal(t, schema.TypeErrorNotification, orch.Messages[0].Type)
	assert.Contains(t, orch.Messages[0].Payload["errorMessage"], "permanently broken")
}
