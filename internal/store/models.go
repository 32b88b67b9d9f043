package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// JSONB is a JSON object column. Stored as jsonb on Postgres and as
// serialized text on SQLite.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Session is one orchestration run's durable record. It owns the
// messages, tool invocations and workflow state written under its id.
type Session struct {
	ID               string    `db:"id"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
	Status           Status    `db:"status"`
	WorkflowName     *string   `db:"workflow_name"`
	InitialPrompt    string    `db:"initial_prompt"`
	WorkingDirectory string    `db:"working_directory"`
	ConfigSnapshot   JSONB     `db:"config_snapshot"`
	DisplayName      *string   `db:"display_name"`
}

// Message is one append-only conversation record tied to a session.
type Message struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Timestamp time.Time `db:"timestamp"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	StepIndex *int      `db:"step_index"`
	TaskID    *string   `db:"task_id"`
}

// ToolInvocation is the append-only audit record of one dispatch
// attempt's final outcome.
type ToolInvocation struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	Timestamp  time.Time `db:"timestamp"`
	ToolType   string    `db:"tool_type"`
	ToolName   string    `db:"tool_name"`
	Arguments  JSONB     `db:"arguments"`
	Result     *string   `db:"result"`
	Success    bool      `db:"success"`
	DurationMs int64     `db:"duration_ms"`
}

// WorkflowStateRecord is the checkpoint row, keyed 1:1 by session id.
// The step_results, plan and outputs payloads are opaque JSON here;
// only the engine interprets them.
type WorkflowStateRecord struct {
	SessionID   string    `db:"session_id"`
	CurrentStep int       `db:"current_step"`
	StepResults []byte    `db:"step_results"`
	Plan        []byte    `db:"plan"`
	Outputs     []byte    `db:"outputs"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	Statuses []Status
	Limit    int
}
