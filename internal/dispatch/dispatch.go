// Package dispatch routes role-addressed prompts to their configured
// agents, with retries, audit recording and progress events. A
// dispatch that reaches an agent never returns an error: agent
// failures come back inside the Result. The only error path is a
// role or agent missing from configuration.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conveyordev/conveyor/internal/agent"
	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/events"
	"github.com/conveyordev/conveyor/internal/metrics"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

// rolePromptSeparator joins the role's fixed instructions to the
// per-dispatch prompt.
const rolePromptSeparator = "\n\n---\n\n"

// RoleNotFoundError reports a dispatch against configuration that
// cannot resolve to an agent binding.
type RoleNotFoundError struct {
	Role string
	// Agent is set when the role exists but names an undefined agent.
	Agent     string
	Available []string
}

func (e *RoleNotFoundError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("role %q references undefined agent %q", e.Role, e.Agent)
	}
	return fmt.Sprintf("role %q not found (available roles: %s)",
		e.Role, strings.Join(e.Available, ", "))
}

// Request is one unit of work to dispatch.
type Request struct {
	TaskID           string
	Role             string
	Prompt           string
	WorkingDirectory string
	// Stream keys progress events; empty disables them.
	Stream string
	// StepIndex annotates audit messages with the workflow position.
	StepIndex *int
	Retry     bool
}

// Result is the outcome of one dispatch. Results are serialized into
// workflow checkpoints, so field names are part of the stored format.
type Result struct {
	TaskID   string        `json:"task_id"`
	Role     string        `json:"role"`
	Agent    string        `json:"agent,omitempty"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Retries  int           `json:"retries,omitempty"`
}

// Dispatcher resolves roles to agent bindings and runs invocations.
// The configuration can be swapped between dispatches with SetConfig.
type Dispatcher struct {
	cfgMu    sync.RWMutex
	cfg      *config.Config
	invoker  agent.Invoker
	sessions *session.Manager
	events   *events.Manager
	logger   *zap.Logger
}

// New creates a dispatcher. sessions and eventsMgr may be nil; audit
// recording and progress events are skipped accordingly.
func New(cfg *config.Config, invoker agent.Invoker, sessions *session.Manager, eventsMgr *events.Manager, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		invoker:  invoker,
		sessions: sessions,
		events:   eventsMgr,
		logger:   logger,
	}
}

// SetConfig swaps the configuration used by subsequent dispatches.
// In-flight dispatches keep the snapshot they resolved on entry; the
// workflow shape compiled by the engine is not affected.
func (d *Dispatcher) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// DispatchOne resolves the request's role and runs the invocation,
// retrying failed attempts when requested. The returned error is
// always a *RoleNotFoundError; every other outcome is a Result.
func (d *Dispatcher) DispatchOne(ctx context.Context, sc *session.Context, req Request) (Result, error) {
	cfg := d.config()
	roleCfg, ok := cfg.Roles[req.Role]
	if !ok {
		return Result{}, &RoleNotFoundError{Role: req.Role, Available: roleNames(cfg)}
	}
	binding, ok := cfg.Agents[roleCfg.Agent]
	if !ok {
		return Result{}, &RoleNotFoundError{Role: req.Role, Agent: roleCfg.Agent}
	}

	fullPrompt := roleCfg.Prompt + rolePromptSeparator + req.Prompt

	maxAttempts := 1
	if req.Retry {
		maxAttempts = cfg.Retry.MaxRetries + 1
	}
	delay := cfg.Retry.Delay()

	d.publish(req, events.TaskStarted, "")
	d.logger.Debug("Dispatching",
		zap.String("task_id", req.TaskID),
		zap.String("role", req.Role),
		zap.String("agent", roleCfg.Agent),
		zap.Int("max_attempts", maxAttempts),
	)

	var lastErr string
	var lastDuration time.Duration
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.publish(req, events.WaitingRetry,
				fmt.Sprintf("attempt %d/%d", attempt, maxAttempts))
			if !d.sleep(ctx, delay) {
				lastErr = fmt.Sprintf("dispatch canceled: %v", ctx.Err())
				break
			}
		}
		attempts++

		start := time.Now()
		res, err := d.invoker.Invoke(ctx, agent.InvokeRequest{
			Role:             req.Role,
			Agent:            roleCfg.Agent,
			Binding:          binding,
			Prompt:           fullPrompt,
			WorkingDirectory: req.WorkingDirectory,
			Timeout:          binding.Timeout(),
		})
		lastDuration = time.Since(start)

		if err != nil {
			lastErr = err.Error()
			if ctx.Err() != nil {
				break
			}
			continue
		}

		lastDuration = res.Duration
		if res.ExitCode == 0 || attempt == maxAttempts {
			result := Result{
				TaskID:   req.TaskID,
				Role:     req.Role,
				Agent:    roleCfg.Agent,
				Success:  res.ExitCode == 0,
				Output:   res.Stdout,
				Duration: res.Duration,
				Retries:  attempts - 1,
			}
			if !result.Success {
				result.Error = res.Stderr
			}
			d.finish(sc, req, result)
			return result, nil
		}
		lastErr = res.Stderr
	}

	result := Result{
		TaskID:   req.TaskID,
		Role:     req.Role,
		Agent:    roleCfg.Agent,
		Success:  false,
		Error:    lastErr,
		Duration: lastDuration,
		Retries:  attempts - 1,
	}
	d.finish(sc, req, result)
	return result, nil
}

// DispatchParallel runs the requests concurrently, bounded by the
// configured worker limit, and returns results in request order. One
// task's failure does not cancel its siblings. Requests without an
// explicit task id get a positional task<N> id (1-based).
func (d *Dispatcher) DispatchParallel(ctx context.Context, sc *session.Context, reqs []Request) []Result {
	if len(reqs) == 0 {
		return nil
	}

	workers := d.config().Parallel.Workers()
	if len(reqs) < workers {
		workers = len(reqs)
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		req := reqs[i]
		if req.TaskID == "" {
			req.TaskID = fmt.Sprintf("task%d", i+1)
		}

		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{
					TaskID:  req.TaskID,
					Role:    req.Role,
					Success: false,
					Error:   fmt.Sprintf("dispatch canceled: %v", err),
				}
				return
			}
			defer sem.Release(1)

			res, err := d.DispatchOne(ctx, sc, req)
			if err != nil {
				// Config errors surface as failed results here so one
				// bad task cannot abort the whole fan-out.
				results[i] = Result{
					TaskID:  req.TaskID,
					Role:    req.Role,
					Success: false,
					Error:   err.Error(),
				}
				return
			}
			results[i] = res
		}(i, req)
	}
	wg.Wait()
	return results
}

// finish records audit rows, metrics and the completion event for a
// final result.
func (d *Dispatcher) finish(sc *session.Context, req Request, result Result) {
	status := "ok"
	eventType := events.TaskCompleted
	if !result.Success {
		status = "error"
		eventType = events.TaskFailed
	}
	metrics.RecordDispatchMetrics(result.Role, result.Agent, status, result.Duration.Seconds(), result.Retries)
	d.publish(req, eventType, result.Error)
	d.logger.Info("Dispatch finished",
		zap.String("task_id", result.TaskID),
		zap.String("role", result.Role),
		zap.String("agent", result.Agent),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
		zap.Int("retries", result.Retries),
	)

	if d.sessions == nil || sc == nil {
		return
	}

	var taskID *string
	if req.TaskID != "" {
		taskID = &req.TaskID
	}
	d.sessions.AppendMessage(sc, session.RoleUser, req.Prompt, req.StepIndex, taskID)
	d.sessions.AppendMessage(sc, session.RoleAssistant, result.Output, req.StepIndex, taskID)

	invocationResult := fmt.Sprintf(`{"output_length":%d}`, len(result.Output))
	d.sessions.AppendToolInvocation(sc, &store.ToolInvocation{
		ToolType:   "cli",
		ToolName:   result.Role + "/" + result.Agent,
		Arguments:  store.JSONB{"prompt_length": len(req.Prompt)},
		Result:     &invocationResult,
		Success:    result.Success,
		DurationMs: result.Duration.Milliseconds(),
	})
}

// publish emits a progress event when the request carries a stream.
func (d *Dispatcher) publish(req Request, eventType events.Type, message string) {
	if d.events == nil || req.Stream == "" {
		return
	}
	step := 0
	if req.StepIndex != nil {
		step = *req.StepIndex
	}
	d.events.Publish(req.Stream, events.Event{
		Type:    eventType,
		Role:    req.Role,
		TaskID:  req.TaskID,
		Step:    step,
		Message: message,
	})
}

// sleep waits for the retry delay, reporting false when the context
// ends first.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func roleNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Roles))
	for name := range cfg.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
