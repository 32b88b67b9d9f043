// Package events provides in-memory pub/sub for workflow progress
// events, with bounded replay and optional mirroring to external
// sinks.
package events

import (
	"context"
	"time"
)

// Type names a progress event.
type Type string

const (
	WorkflowStarted   Type = "WORKFLOW_STARTED"
	WorkflowCompleted Type = "WORKFLOW_COMPLETED"
	WorkflowFailed    Type = "WORKFLOW_FAILED"
	StepStarted       Type = "STEP_STARTED"
	StepCompleted     Type = "STEP_COMPLETED"
	StepFailed        Type = "STEP_FAILED"
	StepJump          Type = "STEP_JUMP"
	TaskStarted       Type = "TASK_STARTED"
	WaitingRetry      Type = "WAITING_RETRY"
	TaskCompleted     Type = "TASK_COMPLETED"
	TaskFailed        Type = "TASK_FAILED"
	PlanUpdated       Type = "PLAN_UPDATED"
)

// Event is one progress event on a session's stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      Type      `json:"type"`
	Role      string    `json:"role,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Step      int       `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Sink receives every published event, off the publish path.
type Sink interface {
	Write(ctx context.Context, evt Event) error
	Close() error
}
