package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `{
  "specs": [
    {"file": "auth.md", "content": "Users authenticate with tokens."}
  ],
  "tasks": [
    {
      "id": "t1",
      "description": "Add login endpoint",
      "files": ["handlers/login.go"],
      "acceptance_criteria": ["returns 401 on bad credentials"]
    },
    {
      "description": "Add logout endpoint",
      "files": ["handlers/logout.go", "handlers/session.go"]
    }
  ],
  "notes": "keep handlers thin"
}`

func TestParseFencedBlock(t *testing.T) {
	output := "Here is the plan:\n```json\n" + samplePlan + "\n```\nDone."

	p, err := Parse(output)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "t1", p.Tasks[0].ID)
	assert.Equal(t, "Add logout endpoint", p.Tasks[1].Description)
	require.Len(t, p.Specs, 1)
	assert.Equal(t, "auth.md", p.Specs[0].File)
}

func TestParseUntaggedFence(t *testing.T) {
	output := "```\n" + samplePlan + "\n```"
	p, err := Parse(output)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 2)
}

func TestParseBareJSON(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 2)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("no structured plan here")
	require.Error(t, err)

	_, err = Parse("```json\n{broken\n```")
	require.Error(t, err)
}

func TestTaskID(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	assert.Equal(t, "t1", p.TaskID(0))
	// Second task has no id; positional fallback is 1-based.
	assert.Equal(t, "task2", p.TaskID(1))
	assert.Equal(t, "task3", p.TaskID(2))
}

func TestJSONKeepsUnknownFields(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	data, err := p.JSON()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "keep handlers thin", doc["notes"])
}

func TestTaskPrompt(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	prompt := p.TaskPrompt(p.Tasks[0])
	assert.Contains(t, prompt, "Task ID: t1")
	assert.Contains(t, prompt, "Description: Add login endpoint")
	assert.Contains(t, prompt, "Files: handlers/login.go")
	assert.Contains(t, prompt, "Acceptance Criteria:\n  - returns 401 on bad credentials")
	assert.Contains(t, prompt, "\nRelevant Specs:\n--- auth.md ---\nUsers authenticate with tokens.")

	// Missing id renders as unknown, files comma-joined.
	prompt = p.TaskPrompt(p.Tasks[1])
	assert.Contains(t, prompt, "Task ID: unknown")
	assert.Contains(t, prompt, "Files: handlers/logout.go, handlers/session.go")
	assert.NotContains(t, prompt, "Acceptance Criteria:")
}

func TestTaskPromptNoSpecs(t *testing.T) {
	p, err := Parse(`{"tasks": [{"id": "a", "description": "d"}]}`)
	require.NoError(t, err)

	prompt := p.TaskPrompt(p.Tasks[0])
	assert.NotContains(t, prompt, "Relevant Specs:")
}

func TestWriteArtifact(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, p.WriteArtifact(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Len(t, restored.Tasks, 2)
	assert.Equal(t, "t1", restored.TaskID(0))
}
