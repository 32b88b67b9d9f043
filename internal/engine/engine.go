// Package engine drives configured workflows: an ordered list of
// role steps with conditional jumps, per-task fan-out over the
// current plan, and durable checkpoints after every step.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/dispatch"
	"github.com/conveyordev/conveyor/internal/events"
	"github.com/conveyordev/conveyor/internal/metrics"
	"github.com/conveyordev/conveyor/internal/plan"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/verdict"
)

// StepResult is the recorded outcome of one executed step. Step
// results are serialized into checkpoints.
type StepResult struct {
	StepIndex   int               `json:"step_index"`
	Role        string            `json:"role"`
	Success     bool              `json:"success"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Skipped     bool              `json:"skipped,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	TaskResults []dispatch.Result `json:"task_results,omitempty"`
	// JumpTarget records the step index this step's outcome jumped to.
	JumpTarget *int `json:"jump_target,omitempty"`
}

// RunRequest is one workflow execution.
type RunRequest struct {
	InitialPrompt    string
	WorkingDirectory string
	// DryRun walks the steps without dispatching or persisting.
	DryRun bool

	// Resume fields, filled from a prepared recovery. Session carries
	// the reactivated handle; the engine creates a fresh session when
	// it is nil and persistence is enabled.
	Session        *session.Context
	ResumeFromStep int
	PlanJSON       []byte
	OutputsJSON    []byte
}

// RunResult is the outcome of a workflow execution.
type RunResult struct {
	Success        bool
	StepsCompleted int
	TotalSteps     int
	StepResults    []StepResult
	Duration       time.Duration
	Error          string
	FinalOutput    string
	Outputs        map[string]string
	SessionID      string
}

// compiledStep is a workflow step with its jump directives resolved
// to step indexes. An unresolvable directive is dropped at compile
// time with a warning, leaving the default transition in place.
type compiledStep struct {
	config.Step
	index   int
	verdict bool
	// onFail/onSuccess are jump targets; nil means halt on failure
	// and advance on success.
	onFail    *int
	onSuccess *int
}

// Engine executes the configured workflow.
type Engine struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	events     *events.Manager
	strategy   verdict.Strategy
	logger     *zap.Logger

	steps []compiledStep
}

// New compiles the workflow and returns an engine. sessions and
// eventsMgr may be nil; persistence and progress events are skipped
// accordingly. A nil strategy falls back to the stock keyword
// verdict.
func New(cfg *config.Config, dispatcher *dispatch.Dispatcher, sessions *session.Manager, eventsMgr *events.Manager, strategy verdict.Strategy, logger *zap.Logger) *Engine {
	if strategy == nil {
		strategy = verdict.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     eventsMgr,
		strategy:   strategy,
		logger:     logger,
	}
	e.compile()
	return e
}

// compile resolves step roles and jump directives against the
// workflow. Jump targets name roles; the first step carrying that
// role is the destination.
func (e *Engine) compile() {
	roleToStep := make(map[string]int)
	for i, step := range e.cfg.Workflow.Steps {
		if _, seen := roleToStep[step.Role]; !seen {
			roleToStep[step.Role] = i
		}
	}

	e.steps = make([]compiledStep, 0, len(e.cfg.Workflow.Steps))
	for i, step := range e.cfg.Workflow.Steps {
		cs := compiledStep{
			Step:    step,
			index:   i,
			verdict: e.cfg.Roles[step.Role].Verdict,
		}
		cs.onFail = e.resolveJump(i, step.OnFail, roleToStep)
		cs.onSuccess = e.resolveJump(i, step.OnSuccess, roleToStep)
		e.steps = append(e.steps, cs)
	}
}

func (e *Engine) resolveJump(stepIndex int, directive string, roleToStep map[string]int) *int {
	if directive == "" {
		return nil
	}
	target, ok := config.ParseJumpDirective(directive)
	if !ok {
		e.logger.Warn("Malformed jump directive ignored",
			zap.Int("step", stepIndex),
			zap.String("directive", directive),
		)
		return nil
	}
	idx, ok := roleToStep[target]
	if !ok {
		e.logger.Warn("Jump target has no workflow step, directive ignored",
			zap.Int("step", stepIndex),
			zap.String("target", target),
		)
		return nil
	}
	return &idx
}

// Run executes the workflow. Agent and verdict failures come back
// inside the RunResult; the error return is reserved for persistence
// failures, which always stop the run.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(e.steps) == 0 {
		return &RunResult{
			Success: false,
			Error:   "no workflow steps defined in configuration",
		}, nil
	}

	cwd := req.WorkingDirectory
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	run, err := e.newRun(ctx, req, cwd)
	if err != nil {
		return nil, err
	}

	metrics.RecordWorkflowStart(e.cfg.Workflow.Name)
	e.publish(run, events.Event{Type: events.WorkflowStarted})
	e.logger.Info("Workflow started",
		zap.String("workflow", e.cfg.Workflow.Name),
		zap.String("session_id", run.sessionID()),
		zap.Int("total_steps", len(e.steps)),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("resume_from_step", req.ResumeFromStep),
	)

	start := time.Now()
	current := req.ResumeFromStep
	maxLoops := e.cfg.Workflow.Loops()
	visited := make(map[int]int)

	for current < len(e.steps) {
		visited[current]++
		if visited[current] > maxLoops {
			metrics.LoopAborts.Inc()
			reason := fmt.Sprintf("Infinite loop detected at step %d", current+1)
			return e.finishFailure(ctx, run, start, reason), nil
		}

		step := e.steps[current]

		if req.DryRun {
			run.results = append(run.results, StepResult{
				StepIndex: current,
				Role:      step.Role,
				Success:   true,
				Skipped:   true,
				Output:    e.describeStep(step),
			})
			current++
			continue
		}

		result, rerr := e.executeStep(ctx, run, step, req.InitialPrompt, cwd)
		if rerr != nil {
			// Role resolution failed; nothing ran.
			return e.finishFailure(ctx, run, start, rerr.Error()), nil
		}
		run.results = append(run.results, result)

		if ctx.Err() != nil {
			// Checkpoint on a detached context so the interrupted run
			// resumes at this step.
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.checkpoint(cctx, run, current); err != nil {
				e.logger.Warn("Failed to checkpoint interrupted run",
					zap.String("session_id", run.sessionID()), zap.Error(err))
			}
			cancel()
			return e.finishInterrupted(run, start), nil
		}

		// Checkpoint before acting on the outcome. A run that cannot
		// record progress cannot guarantee a clean resume, so
		// checkpoint errors stop everything.
		if err := e.checkpoint(ctx, run, current); err != nil {
			e.publish(run, events.Event{Type: events.WorkflowFailed, Message: err.Error()})
			metrics.RecordWorkflowMetrics(e.cfg.Workflow.Name, "failed", time.Since(start).Seconds())
			return nil, err
		}

		if target := step.nextJump(result.Success); target != nil {
			jumped := *target
			run.results[len(run.results)-1].JumpTarget = &jumped
			e.publish(run, events.Event{
				Type:    events.StepJump,
				Role:    step.Role,
				Step:    current,
				Message: fmt.Sprintf("jump to step %d (%s)", *target+1, e.steps[*target].Role),
			})
			e.logger.Info("Workflow jump",
				zap.Int("from_step", current),
				zap.Int("to_step", *target),
				zap.String("role", e.steps[*target].Role),
				zap.Bool("on_success", result.Success),
			)
			current = *target
			continue
		}

		if !result.Success {
			return e.finishFailure(ctx, run, start, result.Error), nil
		}

		current++
	}

	duration := time.Since(start)
	if run.sc != nil {
		if err := e.sessions.Complete(ctx, run.sc); err != nil {
			e.logger.Warn("Failed to complete session",
				zap.String("session_id", run.sc.ID), zap.Error(err))
		}
	}
	e.publish(run, events.Event{Type: events.WorkflowCompleted})
	metrics.RecordWorkflowMetrics(e.cfg.Workflow.Name, "completed", duration.Seconds())
	e.logger.Info("Workflow completed",
		zap.String("workflow", e.cfg.Workflow.Name),
		zap.Int("steps_completed", len(run.results)),
		zap.Duration("duration", duration),
	)

	return &RunResult{
		Success:        true,
		StepsCompleted: len(run.results),
		TotalSteps:     len(e.steps),
		StepResults:    run.results,
		Duration:       duration,
		FinalOutput:    run.outputs["final"],
		Outputs:        run.outputs,
		SessionID:      run.sessionID(),
	}, nil
}

// nextJump returns the jump target for the step outcome, or nil for
// the default transition.
func (s compiledStep) nextJump(success bool) *int {
	if success {
		return s.onSuccess
	}
	return s.onFail
}

// describeStep renders the dry-run preview of a step: dispatch shape
// and resolved transitions.
func (e *Engine) describeStep(step compiledStep) string {
	var parts []string
	if step.PerTask {
		parts = append(parts, fmt.Sprintf("fan out over plan tasks (max %d workers)", e.cfg.Parallel.Workers()))
	} else {
		parts = append(parts, "single dispatch")
	}
	if step.Input != "" {
		parts = append(parts, "input "+step.Input)
	}
	if step.Output != "" {
		parts = append(parts, "output "+step.Output)
	}
	if step.onFail != nil {
		parts = append(parts, fmt.Sprintf("on_fail -> step %d", *step.onFail+1))
	}
	if step.onSuccess != nil {
		parts = append(parts, fmt.Sprintf("on_success -> step %d", *step.onSuccess+1))
	}
	return strings.Join(parts, ", ")
}

// executeStep dispatches one step, fanning out over plan tasks when
// configured, and applies output capture and plan parsing.
func (e *Engine) executeStep(ctx context.Context, run *runState, step compiledStep, initialPrompt, cwd string) (StepResult, error) {
	stepIndex := step.index
	e.publish(run, events.Event{Type: events.StepStarted, Role: step.Role, Step: stepIndex})

	start := time.Now()
	var result StepResult
	if step.PerTask && run.plan.HasTasks() {
		result = e.executePerTask(ctx, run, step, cwd)
	} else {
		if step.PerTask {
			e.logger.Warn("Per-task step has no plan tasks, dispatching once",
				zap.Int("step", stepIndex),
				zap.String("role", step.Role),
			)
		}
		single, err := e.executeSingle(ctx, run, step, initialPrompt, cwd)
		if err != nil {
			return StepResult{}, err
		}
		result = single
	}
	result.Duration = time.Since(start)

	if step.Output != "" && result.Success {
		run.outputs[step.Output] = result.Output
		if step.Output == e.planKey() {
			e.updatePlan(run, result.Output, cwd)
		}
	}

	status := "ok"
	eventType := events.StepCompleted
	if !result.Success {
		status = "error"
		eventType = events.StepFailed
	}
	metrics.RecordStepMetrics(step.Role, status, result.Duration.Seconds())
	e.publish(run, events.Event{Type: eventType, Role: step.Role, Step: stepIndex, Message: result.Error})

	return result, nil
}

// executeSingle runs a non-fanned step as one dispatch.
func (e *Engine) executeSingle(ctx context.Context, run *runState, step compiledStep, initialPrompt, cwd string) (StepResult, error) {
	stepIndex := step.index
	prompt := e.buildStepPrompt(step, initialPrompt, run)

	res, err := e.dispatcher.DispatchOne(ctx, run.sc, dispatch.Request{
		TaskID:           fmt.Sprintf("step%d", stepIndex+1),
		Role:             step.Role,
		Prompt:           prompt,
		WorkingDirectory: cwd,
		Stream:           run.stream,
		StepIndex:        &stepIndex,
		Retry:            true,
	})
	if err != nil {
		return StepResult{}, err
	}

	success := res.Success
	if success && step.verdict {
		success = e.strategy.Evaluate(res.Output)
	}

	return StepResult{
		StepIndex:   stepIndex,
		Role:        step.Role,
		Success:     success,
		Output:      res.Output,
		Error:       res.Error,
		TaskResults: []dispatch.Result{res},
	}, nil
}

// executePerTask fans the step out over the current plan's tasks and
// aggregates the results. Task order is preserved.
func (e *Engine) executePerTask(ctx context.Context, run *runState, step compiledStep, cwd string) StepResult {
	stepIndex := step.index
	tasks := run.plan.Tasks

	reqs := make([]dispatch.Request, len(tasks))
	for i, task := range tasks {
		reqs[i] = dispatch.Request{
			TaskID:           run.plan.TaskID(i),
			Role:             step.Role,
			Prompt:           run.plan.TaskPrompt(task),
			WorkingDirectory: cwd,
			Stream:           run.stream,
			StepIndex:        &stepIndex,
			Retry:            true,
		}
	}

	results := e.dispatcher.DispatchParallel(ctx, run.sc, reqs)

	allSuccess := true
	var outputs []string
	var errs []string
	for i := range results {
		if results[i].Success && step.verdict && !e.strategy.Evaluate(results[i].Output) {
			results[i].Success = false
		}
		if !results[i].Success {
			allSuccess = false
		}
		if results[i].Output != "" {
			outputs = append(outputs, results[i].Output)
		}
		if results[i].Error != "" {
			errs = append(errs, results[i].Error)
		}
	}

	return StepResult{
		StepIndex:   stepIndex,
		Role:        step.Role,
		Success:     allSuccess,
		Output:      strings.Join(outputs, "\n---\n"),
		Error:       strings.Join(errs, "; "),
		TaskResults: results,
	}
}

// buildStepPrompt assembles a step prompt: the user request for the
// entry role, the referenced input output, and the current plan for
// every role past the entry.
func (e *Engine) buildStepPrompt(step compiledStep, initialPrompt string, run *runState) string {
	var parts []string

	entryRole := e.entryRole()
	if step.Role == entryRole {
		parts = append(parts, "User Request:\n"+initialPrompt)
	}

	if step.Input != "" {
		if value, ok := run.outputs[step.Input]; ok {
			parts = append(parts, fmt.Sprintf("Input (%s):\n%s", step.Input, value))
		}
	}

	if run.plan != nil && step.Role != entryRole {
		if data, err := run.plan.JSON(); err == nil {
			parts = append(parts, "Current Plan:\n```json\n"+string(data)+"\n```")
		}
	}

	if len(parts) == 0 {
		return initialPrompt
	}
	return strings.Join(parts, "\n\n")
}

// updatePlan parses a fresh plan from the step output. A parse
// failure keeps the plan the run already had; later steps are better
// served by a stale plan than none.
func (e *Engine) updatePlan(run *runState, output, cwd string) {
	p, err := plan.Parse(output)
	if err != nil {
		e.logger.Warn("Plan output did not parse, keeping previous plan",
			zap.String("session_id", run.sessionID()),
			zap.Error(err),
		)
		return
	}
	run.plan = p
	e.publish(run, events.Event{Type: events.PlanUpdated,
		Message: fmt.Sprintf("%d tasks", len(p.Tasks))})

	if cwd != "" {
		path := filepath.Join(cwd, e.planKey())
		if err := p.WriteArtifact(path); err != nil {
			e.logger.Warn("Failed to mirror plan artifact", zap.String("path", path), zap.Error(err))
		}
	}
}

func (e *Engine) entryRole() string {
	if e.cfg.Orchestrator.EntryRole != "" {
		return e.cfg.Orchestrator.EntryRole
	}
	return config.DefaultEntryRole
}

func (e *Engine) planKey() string {
	if e.cfg.Orchestrator.PlanOutputKey != "" {
		return e.cfg.Orchestrator.PlanOutputKey
	}
	return config.DefaultPlanKey
}

// finishFailure closes out a failed run: session, events, metrics.
func (e *Engine) finishFailure(ctx context.Context, run *runState, start time.Time, reason string) *RunResult {
	if run.sc != nil {
		if err := e.sessions.Fail(ctx, run.sc, reason); err != nil {
			e.logger.Warn("Failed to mark session failed",
				zap.String("session_id", run.sc.ID), zap.Error(err))
		}
	}
	duration := time.Since(start)
	e.publish(run, events.Event{Type: events.WorkflowFailed, Message: reason})
	metrics.RecordWorkflowMetrics(e.cfg.Workflow.Name, "failed", duration.Seconds())
	e.logger.Warn("Workflow failed",
		zap.String("workflow", e.cfg.Workflow.Name),
		zap.String("reason", reason),
		zap.Int("steps_completed", len(run.results)),
	)

	return &RunResult{
		Success:        false,
		StepsCompleted: len(run.results),
		TotalSteps:     len(e.steps),
		StepResults:    run.results,
		Duration:       duration,
		Error:          reason,
		Outputs:        run.outputs,
		SessionID:      run.sessionID(),
	}
}

// finishInterrupted closes out a canceled run, leaving the session
// resumable.
func (e *Engine) finishInterrupted(run *runState, start time.Time) *RunResult {
	// The run context is canceled; session updates need their own.
	if run.sc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sessions.Interrupt(ctx, run.sc); err != nil {
			e.logger.Warn("Failed to mark session interrupted",
				zap.String("session_id", run.sc.ID), zap.Error(err))
		}
	}
	duration := time.Since(start)
	reason := "workflow interrupted"
	e.publish(run, events.Event{Type: events.WorkflowFailed, Message: reason})
	metrics.RecordWorkflowMetrics(e.cfg.Workflow.Name, "interrupted", duration.Seconds())
	e.logger.Info("Workflow interrupted",
		zap.String("workflow", e.cfg.Workflow.Name),
		zap.Int("steps_completed", len(run.results)),
	)

	return &RunResult{
		Success:        false,
		StepsCompleted: len(run.results),
		TotalSteps:     len(e.steps),
		StepResults:    run.results,
		Duration:       duration,
		Error:          reason,
		Outputs:        run.outputs,
		SessionID:      run.sessionID(),
	}
}

func (e *Engine) publish(run *runState, evt events.Event) {
	if e.events == nil || run.stream == "" {
		return
	}
	e.events.Publish(run.stream, evt)
}

// StepInfo describes one configured step for inspection.
type StepInfo struct {
	Index     int    `json:"index" yaml:"index"`
	Role      string `json:"role" yaml:"role"`
	Input     string `json:"input,omitempty" yaml:"input,omitempty"`
	Output    string `json:"output,omitempty" yaml:"output,omitempty"`
	PerTask   bool   `json:"per_task,omitempty" yaml:"per_task,omitempty"`
	OnFail    string `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnSuccess string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
}

// Info describes the compiled workflow.
type Info struct {
	Name           string     `json:"name" yaml:"name"`
	TotalSteps     int        `json:"total_steps" yaml:"total_steps"`
	Steps          []StepInfo `json:"steps" yaml:"steps"`
	AvailableRoles []string   `json:"available_roles" yaml:"available_roles"`
}

// Info returns the workflow structure with 1-based step indexes.
func (e *Engine) Info() Info {
	steps := make([]StepInfo, 0, len(e.steps))
	for i, step := range e.steps {
		steps = append(steps, StepInfo{
			Index:     i + 1,
			Role:      step.Role,
			Input:     step.Input,
			Output:    step.Output,
			PerTask:   step.PerTask,
			OnFail:    step.OnFail,
			OnSuccess: step.OnSuccess,
		})
	}

	roles := make([]string, 0, len(e.cfg.Roles))
	for name := range e.cfg.Roles {
		roles = append(roles, name)
	}
	sort.Strings(roles)

	return Info{
		Name:           e.cfg.Workflow.Name,
		TotalSteps:     len(e.steps),
		Steps:          steps,
		AvailableRoles: roles,
	}
}
