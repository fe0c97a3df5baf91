// Package manifest parses the per-project manifest document: identity,
// participants, routing defaults, and an optional workflow definition the
// gate engine drives tasks through.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RejectionStrategy names where a gate rejection rewinds a task to.
type RejectionStrategy string

const (
	RejectionOrigin   RejectionStrategy = "origin"
	RejectionPrevious RejectionStrategy = "previous"
)

// Gate is one checkpoint in a Workflow.
type Gate struct {
	ID         string `yaml:"id"`
	Role       string `yaml:"role"`
	CanReject  bool   `yaml:"canReject,omitempty"`
	TimeoutRaw string `yaml:"timeout,omitempty"`
	EscalateTo string `yaml:"escalateTo,omitempty"`
	WhenRaw    string `yaml:"when,omitempty"`

	// when is the compiled predicate for WhenRaw, populated by Parse.
	// Nil means "always true" (no when clause).
	when Predicate
}

// Workflow is a project's multi-gate review state machine definition.
type Workflow struct {
	Name              string            `yaml:"name"`
	RejectionStrategy RejectionStrategy `yaml:"rejectionStrategy"`
	Gates             []Gate            `yaml:"gates"`
}

// IndexOf returns the position of the gate with the given id, or -1.
func (w *Workflow) IndexOf(gateID string) int {
	for i, g := range w.Gates {
		if g.ID == gateID {
			return i
		}
	}
	return -1
}

// Manifest is the parsed per-project document.
type Manifest struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	Status       string    `yaml:"status"`
	Type         string    `yaml:"type"`
	Owner        string    `yaml:"owner"`
	Participants []string  `yaml:"participants,omitempty"`
	Workflow     *Workflow `yaml:"workflow,omitempty"`
}

// Parse decodes a manifest document and compiles every gate's when clause.
// Compile errors surface here, at load time, never during gate evaluation.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest: parse: missing id")
	}
	if m.Workflow != nil {
		if m.Workflow.RejectionStrategy == "" {
			m.Workflow.RejectionStrategy = RejectionOrigin
		}
		for i := range m.Workflow.Gates {
			g := &m.Workflow.Gates[i]
			if g.WhenRaw == "" {
				continue
			}
			pred, err := CompilePredicate(g.WhenRaw)
			if err != nil {
				return nil, fmt.Errorf("manifest: gate %q: %w", g.ID, err)
			}
			g.when = pred
		}
	}
	return &m, nil
}

// When returns the compiled predicate for this gate, or a predicate that
// always evaluates true if the gate has no when clause.
func (g Gate) When() Predicate {
	if g.when != nil {
		return g.when
	}
	return func(View) bool { return true }
}
