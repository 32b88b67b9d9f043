package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/conveyordev/conveyor/internal/config"
)

// CLIInvoker runs agents as local subprocesses. One instance is shared
// across all dispatches so per-agent rate limits apply globally within
// the process.
type CLIInvoker struct {
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCLIInvoker creates a subprocess-backed invoker.
func NewCLIInvoker(logger *zap.Logger) *CLIInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIInvoker{
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Invoke builds the agent command, runs it under the request timeout
// and captures its output. The prompt travels in argv when the
// binding's args template embeds it, otherwise on stdin.
func (c *CLIInvoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.Binding.Command == "" {
		return nil, fmt.Errorf("agent %q has no command configured", req.Agent)
	}

	if err := c.waitForRate(ctx, req.Agent, req.Binding.RatePerMinute); err != nil {
		return nil, fmt.Errorf("rate limit wait for agent %s: %w", req.Agent, err)
	}

	args, promptInArgs := buildArgs(req.Binding, req.Prompt)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Binding.Command, args...)
	cmd.Dir = req.WorkingDirectory
	if !promptInArgs {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("Invoking agent",
		zap.String("role", req.Role),
		zap.String("agent", req.Agent),
		zap.String("command", req.Binding.Command),
		zap.Duration("timeout", req.Timeout),
	)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("agent %s timed out after %s", req.Agent, req.Timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run agent %s: %w", req.Agent, err)
		}
		// Non-zero exit is a completed invocation, not an invoker error.
	}

	return &InvokeResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// waitForRate blocks until the agent's rate limiter admits the call.
func (c *CLIInvoker) waitForRate(ctx context.Context, agent string, perMinute int) error {
	if perMinute <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[agent]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		c.limiters[agent] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// buildArgs assembles the agent's argv. An explicit args template wins,
// with "{prompt}" expanded in place; otherwise known CLIs get their
// standard non-interactive flags. The second return value reports
// whether the prompt was embedded in argv.
func buildArgs(binding config.Agent, prompt string) ([]string, bool) {
	args := make([]string, 0, len(binding.Args)+4)

	if binding.Model != "" {
		switch binding.Command {
		case "claude":
			args = append(args, "--model", binding.Model)
		case "codex":
			args = append(args, "-m", binding.Model)
		}
	}

	if len(binding.Args) > 0 {
		promptInArgs := false
		for _, arg := range binding.Args {
			if strings.Contains(arg, "{prompt}") {
				promptInArgs = true
			}
			arg = strings.ReplaceAll(arg, "{prompt}", prompt)
			arg = strings.ReplaceAll(arg, "{reasoning_effort}", binding.ReasoningEffort)
			args = append(args, arg)
		}
		return args, promptInArgs
	}

	switch binding.Command {
	case "claude":
		return append(args, "-p", prompt, "--print"), true
	case "codex":
		return append(args, "exec", prompt, "--full-auto", "--skip-git-repo-check"), true
	default:
		// Unknown CLI: prompt goes to stdin.
		return args, false
	}
}
