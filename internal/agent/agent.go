// Package agent invokes external command-line agents. The dispatcher
// consumes the Invoker interface; the production implementation shells
// out to the configured CLI binary.
package agent

import (
	"context"
	"time"

	"github.com/conveyordev/conveyor/internal/config"
)

// InvokeRequest describes one agent invocation.
type InvokeRequest struct {
	Role             string
	Agent            string
	Binding          config.Agent
	Prompt           string
	WorkingDirectory string
	Timeout          time.Duration
}

// InvokeResult is the outcome of a completed agent process. ExitCode
// zero means success; anything else is a failure with the captured
// stderr as its explanation.
type InvokeResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Invoker runs one agent invocation to completion. Spawn failures and
// timeouts are returned as errors; a process that ran to completion is
// returned as a result regardless of exit code.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}
