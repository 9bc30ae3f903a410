// ABOUTME: Message type schema table with closed-set payload validation
// ABOUTME: Each type declares required and optional fields; anything else is rejected

package schema

import (
	"fmt"
	"sort"
)

// Canonical message type names. The set is closed at runtime: extending it
// means adding a TypeSpec to the table (or the directory file), never
// sprinkling new string literals through calling code.
const (
	TypeTaskDelegation    = "TASK_DELEGATION"
	TypeTaskAccepted      = "TASK_ACCEPTED"
	TypeProgressUpdate    = "PROGRESS_UPDATE"
	TypeTaskCompleted     = "TASK_COMPLETED"
	TypeTaskFailed        = "TASK_FAILED"
	TypeBlockerReport     = "BLOCKER_REPORT"
	TypeRequestForInfo    = "REQUEST_FOR_INFO"
	TypeStrategicQuery    = "STRATEGIC_QUERY"
	TypeErrorNotification = "ERROR_NOTIFICATION"
)

// TypeSpec declares the payload shape for one message type.
type TypeSpec struct {
	Name     string
	Required []string
	Optional []string
}

// Table maps message type names to their payload specs.
type Table struct {
	specs map[string]TypeSpec
}

// DefaultTable returns the canonical message type table.
func DefaultTable() *Table {
	t := &Table{specs: make(map[string]TypeSpec)}
	for _, spec := range []TypeSpec{
		{Name: TypeTaskDelegation, Required: []string{"taskId", "description", "priority", "deadline"}, Optional: []string{"contextId", "dependencies"}},
		{Name: TypeTaskAccepted, Required: []string{"taskId", "estimatedCompletion"}, Optional: []string{"notes"}},
		{Name: TypeProgressUpdate, Required: []string{"taskId", "status", "progress"}, Optional: []string{"details", "blockers"}},
		{Name: TypeTaskCompleted, Required: []string{"taskId", "result", "completedAt"}, Optional: []string{"metrics"}},
		{Name: TypeTaskFailed, Required: []string{"taskId", "reason"}, Optional: []string{"canRetry", "suggestedAction"}},
		{Name: TypeBlockerReport, Required: []string{"taskId", "reason"}, Optional: []string{"needsFrom", "severity"}},
		{Name: TypeRequestForInfo, Required: nil, Optional: []string{"topic", "question", "urgency"}},
		{Name: TypeStrategicQuery, Required: nil, Optional: []string{"topic", "question", "horizon"}},
		{Name: TypeErrorNotification, Required: []string{"errorMessage"}, Optional: []string{"messageId", "component", "severity"}},
	} {
		t.specs[spec.Name] = spec
	}
	return t
}

// Add registers an additional type spec, replacing any existing spec with the
// same name. Used by the directory loader to extend the table from config.
func (t *Table) Add(spec TypeSpec) {
	t.specs[spec.Name] = spec
}

// Spec returns the spec for a type name and whether it exists.
func (t *Table) Spec(name string) (TypeSpec, bool) {
	spec, ok := t.specs[name]
	return spec, ok
}

// Types returns all type names in sorted order.
func (t *Table) Types() []string {
	names := make([]string, 0, len(t.specs))
	for name := range t.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all type specs keyed by name. The returned map is a copy.
func (t *Table) Specs() map[string]TypeSpec {
	out := make(map[string]TypeSpec, len(t.specs))
	for name, spec := range t.specs {
		out[name] = spec
	}
	return out
}

// Validate checks a payload against the spec for the given type.
// The schema is closed: unknown types, missing required fields, and fields
// not declared for the type all fail validation.
func (t *Table) Validate(msgType string, payload map[string]any) error {
	spec, ok := t.specs[msgType]
	if !ok {
		return fmt.Errorf("unknown message type %q", msgType)
	}

	for _, field := range spec.Required {
		if _, present := payload[field]; !present {
			return fmt.Errorf("missing required field %q for type %s", field, msgType)
		}
	}

	declared := make(map[string]bool, len(spec.Required)+len(spec.Optional))
	for _, field := range spec.Required {
		declared[field] = true
	}
	for _, field := range spec.Optional {
		declared[field] = true
	}

	for field := range payload {
		if !declared[field] {
			return fmt.Errorf("field %q is not declared for type %s", field, msgType)
		}
	}

	return nil
}
