package task

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterFence = "---"

// frontmatter mirrors the YAML header keys documented in §6. Known keys
// are typed fields; everything else the caller didn't recognize lands in
// Metadata via yaml.v3's inline map support.
type frontmatter struct {
	ID            string   `yaml:"id"`
	Project       string   `yaml:"project"`
	SchemaVersion int      `yaml:"schemaVersion"`
	Title         string   `yaml:"title"`
	Priority      Priority `yaml:"priority"`
	Tags          []string `yaml:"tags,omitempty"`
	Status        Status   `yaml:"status"`
	Agent         string   `yaml:"agent,omitempty"`
	Role          string   `yaml:"role,omitempty"`
	Team          string   `yaml:"team,omitempty"`
	Workflow      string   `yaml:"workflow,omitempty"`
	Lease         *Lease   `yaml:"lease,omitempty"`
	ParentID      string   `yaml:"parentId,omitempty"`
	DependsOn     []string `yaml:"dependsOn,omitempty"`

	CreatedAt        YAMLTime `yaml:"createdAt"`
	UpdatedAt        YAMLTime `yaml:"updatedAt"`
	LastTransitionAt YAMLTime `yaml:"lastTransitionAt"`

	ContentHash string `yaml:"contentHash"`

	Gate          *GateState         `yaml:"gate,omitempty"`
	GateHistory   []GateHistoryEntry `yaml:"gateHistory,omitempty"`
	ReviewContext *ReviewContext     `yaml:"reviewContext,omitempty"`

	SLA      *SLA   `yaml:"sla,omitempty"`
	Resource string `yaml:"resource,omitempty"`

	Metadata map[string]string `yaml:",inline"`
}

// ParseRecord parses a two-part task record: a YAML header fenced by
// `---` lines, followed by a free-text body.
func ParseRecord(data []byte) (*Task, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterFence) {
		return nil, fmt.Errorf("frontmatter: missing opening fence")
	}

	rest := text[len(frontmatterFence):]
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontmatterFence)
	if idx < 0 {
		return nil, fmt.Errorf("frontmatter: unterminated fence")
	}
	header := rest[:idx]
	body := rest[idx+len("\n"+frontmatterFence):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("frontmatter: decode: %w", err)
	}

	if fm.SchemaVersion == 0 {
		fm.SchemaVersion = CurrentSchemaVersion
	}
	if fm.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("frontmatter: schemaVersion %d is newer than supported %d", fm.SchemaVersion, CurrentSchemaVersion)
	}
	if !fm.Status.Valid() {
		return nil, fmt.Errorf("frontmatter: invalid status %q", fm.Status)
	}

	t := &Task{
		ID:            fm.ID,
		Project:       fm.Project,
		SchemaVersion: fm.SchemaVersion,
		Title:         fm.Title,
		Body:          body,
		Priority:      fm.Priority,
		Tags:          fm.Tags,
		Status:        fm.Status,
		Routing: Routing{
			Agent:    fm.Agent,
			Role:     fm.Role,
			Team:     fm.Team,
			Workflow: fm.Workflow,
		},
		Lease:            fm.Lease,
		ParentID:         fm.ParentID,
		DependsOn:        fm.DependsOn,
		CreatedAt:        fm.CreatedAt.Time,
		UpdatedAt:        fm.UpdatedAt.Time,
		LastTransitionAt: fm.LastTransitionAt.Time,
		ContentHash:      fm.ContentHash,
		Gate:             fm.Gate,
		GateHistory:      fm.GateHistory,
		ReviewContext:    fm.ReviewContext,
		SLA:              fm.SLA,
		Resource:         fm.Resource,
		Metadata:         fm.Metadata,
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	return t, nil
}

// RenderRecord serializes a Task back into the fenced-YAML-plus-body
// format. Round-tripping ParseRecord(RenderRecord(t)) reproduces every
// field ParseRecord understands.
func RenderRecord(t *Task) ([]byte, error) {
	fm := frontmatter{
		ID:               t.ID,
		Project:          t.Project,
		SchemaVersion:    t.SchemaVersion,
		Title:            t.Title,
		Priority:         t.Priority,
		Tags:             t.Tags,
		Status:           t.Status,
		Agent:            t.Routing.Agent,
		Role:             t.Routing.Role,
		Team:             t.Routing.Team,
		Workflow:         t.Routing.Workflow,
		Lease:            t.Lease,
		ParentID:         t.ParentID,
		DependsOn:        t.DependsOn,
		CreatedAt:        YAMLTime{t.CreatedAt},
		UpdatedAt:        YAMLTime{t.UpdatedAt},
		LastTransitionAt: YAMLTime{t.LastTransitionAt},
		ContentHash:      t.ContentHash,
		Gate:             t.Gate,
		GateHistory:      t.GateHistory,
		ReviewContext:    t.ReviewContext,
		SLA:              t.SLA,
		Resource:         t.Resource,
		Metadata:         t.Metadata,
	}

	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterFence)
	buf.WriteByte('\n')
	buf.Write(header)
	buf.WriteString(frontmatterFence)
	buf.WriteString("\n\n")
	buf.WriteString(t.Body)
	buf.WriteByte('\n') // ParseRecord drops exactly this one trailing newline
	return buf.Bytes(), nil
}
