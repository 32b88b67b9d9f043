// Package plan parses and renders the structured implementation plan
// produced by the planning role. Plans travel as JSON, usually inside
// a fenced markdown block, and carry the task list that per-task steps
// fan out over.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// fencedBlockRe matches the first fenced code block, with or without a
// json language tag.
var fencedBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// Task is one unit of work from the plan's tasks array.
type Task struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Files              []string `json:"files"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// SpecFile is a referenced specification carried inside the plan.
type SpecFile struct {
	File        string `json:"file"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Plan is a parsed implementation plan. The full document is retained
// so fields beyond the typed views survive a render round-trip.
type Plan struct {
	Specs []SpecFile
	Tasks []Task

	raw map[string]interface{}
}

// Parse extracts and decodes a plan from agent output. The first
// fenced code block is tried before the whole output. Returns an
// error when no valid JSON document is found; callers keep whatever
// plan they already had.
func Parse(output string) (*Plan, error) {
	jsonStr := output
	if m := fencedBlockRe.FindStringSubmatch(output); m != nil {
		jsonStr = m[1]
	}
	return FromJSON([]byte(jsonStr))
}

// FromJSON decodes a plan from a raw JSON document.
func FromJSON(data []byte) (*Plan, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	// Second decode pulls out the typed views.
	var typed struct {
		Specs []SpecFile `json:"specs"`
		Tasks []Task     `json:"tasks"`
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	return &Plan{Specs: typed.Specs, Tasks: typed.Tasks, raw: raw}, nil
}

// HasTasks reports whether the plan carries a non-empty task list.
func (p *Plan) HasTasks() bool {
	return p != nil && len(p.Tasks) > 0
}

// TaskID returns the task's declared id, or a positional task<N>
// fallback (1-based) when the plan omitted one.
func (p *Plan) TaskID(i int) string {
	if i < 0 || i >= len(p.Tasks) {
		return fmt.Sprintf("task%d", i+1)
	}
	if id := p.Tasks[i].ID; id != "" {
		return id
	}
	return fmt.Sprintf("task%d", i+1)
}

// JSON renders the full plan document with two-space indentation.
func (p *Plan) JSON() ([]byte, error) {
	return json.MarshalIndent(p.raw, "", "  ")
}

// TaskPrompt renders the per-task prompt for one task, including the
// plan's spec files as trailing context.
func (p *Plan) TaskPrompt(task Task) string {
	id := task.ID
	if id == "" {
		id = "unknown"
	}
	parts := []string{
		fmt.Sprintf("Task ID: %s", id),
		fmt.Sprintf("Description: %s", task.Description),
		fmt.Sprintf("Files: %s", strings.Join(task.Files, ", ")),
	}

	if len(task.AcceptanceCriteria) > 0 {
		parts = append(parts, "Acceptance Criteria:")
		for _, criterion := range task.AcceptanceCriteria {
			parts = append(parts, fmt.Sprintf("  - %s", criterion))
		}
	}

	if len(p.Specs) > 0 {
		parts = append(parts, "\nRelevant Specs:")
		for _, spec := range p.Specs {
			file := spec.File
			if file == "" {
				file = "spec"
			}
			body := spec.Content
			if body == "" {
				body = spec.Description
			}
			parts = append(parts, fmt.Sprintf("--- %s ---", file), body)
		}
	}

	return strings.Join(parts, "\n")
}

// WriteArtifact mirrors the plan document to path for inspection and
// downstream tooling.
func (p *Plan) WriteArtifact(path string) error {
	data, err := p.JSON()
	if err != nil {
		return fmt.Errorf("failed to render plan artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan artifact: %w", err)
	}
	return nil
}
