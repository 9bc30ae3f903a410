package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_KnownAgents(t *testing.T) {
	d := Default()

	assert.True(t, d.KnownAgent(AgentOrchestrator))
	assert.True(t, d.KnownAgent(AgentHuman))
	assert.False(t, d.KnownAgent("nobody"))
}

func TestLoad_ExtendsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.toml")
	content := `
agents = ["finance-agent", "design-agent"]

[[message_types]]
name = "BUDGET_REVIEW"
required = ["quarter", "owner"]
optional = ["notes"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	d := Load(path)

	// File entries are additive; defaults survive.
	assert.True(t, d.KnownAgent("finance-agent"))
	assert.True(t, d.KnownAgent(AgentOrchestrator))

	err := d.Schema().Validate("BUDGET_REVIEW", map[string]any{"quarter": "Q3", "owner": "finance-agent"})
	assert.NoError(t, err)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	d := Load(filepath.Join(t.TempDir(), "nope.toml"))

	assert.True(t, d.KnownAgent(AgentOrchestrator))
}

func TestLoad_MalformedFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("agents = [unclosed"), 0644))

	d := Load(path)

	assert.True(t, d.KnownAgent(AgentHuman))
}

func TestAddAgent(t *testing.T) {
	d := Default()

	require.NoError(t, d.AddAgent("qa-agent"))
	assert.True(t, d.KnownAgent("qa-agent"))

	assert.Error(t, d.AddAgent(""))
}
