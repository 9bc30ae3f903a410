// ABOUTME: Single source of truth for agent identities and message type declarations
// ABOUTME: Compiled-in defaults extendable from a TOML directory file without code changes

package directory

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/halcyonops/agentrelay/internal/schema"
)

// Well-known agent identities. Orchestrator is special: the polling runner
// escalates repeated handler failures to it.
const (
	AgentHuman        = "human-operator"
	AgentCLI          = "cli"
	AgentOrchestrator = "orchestrator"
)

// defaultAgents is the built-in identity set: generic human/tool identities
// plus the role-based agents. Deployments extend this through the directory
// file, never by editing call sites.
var defaultAgents = []string{
	AgentHuman,
	AgentCLI,
	AgentOrchestrator,
	"research-agent",
	"content-agent",
	"ops-agent",
}

// fileFormat is the TOML shape of a directory file.
type fileFormat struct {
	Agents       []string       `toml:"agents"`
	MessageTypes []fileTypeSpec `toml:"message_types"`
}

type fileTypeSpec struct {
	Name     string   `toml:"name"`
	Required []string `toml:"required"`
	Optional []string `toml:"optional"`
}

// Directory holds the allowed agent identity set and the message type table.
// It is the one place where both enumerations live; the schema validator and
// the persistent store's reference tables are both derived from it.
type Directory struct {
	agents map[string]bool
	table  *schema.Table
	logger *slog.Logger
}

// Default returns a directory with the compiled-in agents and the canonical
// message type table.
func Default() *Directory {
	d := &Directory{
		agents: make(map[string]bool),
		table:  schema.DefaultTable(),
		logger: slog.Default().With("component", "directory"),
	}
	for _, id := range defaultAgents {
		d.agents[id] = true
	}
	return d
}

// Load returns the default directory extended with entries from the TOML file
// at path. A missing or malformed file is logged as a warning and the
// defaults are returned unchanged; directory loading never fails the caller.
func Load(path string) *Directory {
	d := Default()
	if path == "" {
		return d
	}

	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("directory file not readable, using defaults", "path", path, "error", err)
		return d
	}

	var f fileFormat
	if err := toml.Unmarshal(data, &f); err != nil {
		d.logger.Warn("directory file not parseable, using defaults", "path", path, "error", err)
		return d
	}

	for _, id := range f.Agents {
		if id != "" {
			d.agents[id] = true
		}
	}
	for _, spec := range f.MessageTypes {
		if spec.Name == "" {
			continue
		}
		d.table.Add(schema.TypeSpec{Name: spec.Name, Required: spec.Required, Optional: spec.Optional})
	}

	d.logger.Info("loaded directory file", "path", path, "agents", len(d.agents), "types", len(d.table.Types()))
	return d
}

// AddAgent registers an additional identity at runtime. Adding an identity is
// a non-breaking change; nothing is ever removed.
func (d *Directory) AddAgent(id string) error {
	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	d.agents[id] = true
	return nil
}

// KnownAgent reports whether the identity is part of the directory.
func (d *Directory) KnownAgent(id string) bool {
	return d.agents[id]
}

// Agents returns all identities in sorted order.
func (d *Directory) Agents() []string {
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Schema returns the message type table backing validation.
func (d *Directory) Schema() *schema.Table {
	return d.table
}
