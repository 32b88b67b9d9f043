package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in limits and fallbacks. Zero values in loaded config fall
// back to these through the accessor methods.
const (
	DefaultAgentTimeout = 300 * time.Second
	DefaultRetryDelay   = 5 * time.Second
	DefaultMaxRetries   = 3
	DefaultMaxWorkers   = 5
	DefaultMaxLoops     = 10
	DefaultPlanKey      = "plan.json"
	DefaultEntryRole    = "planner"
)

// Config is the full conveyor configuration tree.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Agents       map[string]Agent   `mapstructure:"agents" yaml:"agents"`
	Roles        map[string]Role    `mapstructure:"roles" yaml:"roles"`
	Workflow     WorkflowConfig     `mapstructure:"workflow" yaml:"workflow"`
	Retry        RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Parallel     ParallelConfig     `mapstructure:"parallel" yaml:"parallel"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Events       EventsConfig       `mapstructure:"events" yaml:"events"`
	Breaker      BreakerConfig      `mapstructure:"breaker" yaml:"breaker"`
}

// OrchestratorConfig contains engine-level behavior knobs.
type OrchestratorConfig struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	// MetricsAddr enables Prometheus exposition when set (host:port).
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// EntryRole receives the initial user prompt in its step prompt.
	EntryRole string `mapstructure:"entry_role" yaml:"entry_role"`
	// PlanOutputKey marks which step output carries the structured plan.
	PlanOutputKey string `mapstructure:"plan_output_key" yaml:"plan_output_key"`
}

// StorageConfig selects and sizes the record store.
type StorageConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
	Workers   int    `mapstructure:"workers" yaml:"workers"`
}

// Agent is one external CLI binding.
type Agent struct {
	Command         string   `mapstructure:"command" yaml:"command"`
	Args            []string `mapstructure:"args" yaml:"args,omitempty"`
	Model           string   `mapstructure:"model" yaml:"model,omitempty"`
	ReasoningEffort string   `mapstructure:"reasoning_effort" yaml:"reasoning_effort,omitempty"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	RatePerMinute   int      `mapstructure:"rate_per_minute" yaml:"rate_per_minute,omitempty"`
}

// Timeout returns the per-invocation timeout, defaulting when unset.
func (a Agent) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return DefaultAgentTimeout
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Role is a named behavior profile routed to an agent binding.
type Role struct {
	Agent string `mapstructure:"agent" yaml:"agent"`
	// Prompt is the role's fixed instruction text. PromptFile loads it
	// from disk instead; Prompt wins when both are set.
	Prompt     string `mapstructure:"prompt" yaml:"prompt,omitempty"`
	PromptFile string `mapstructure:"prompt_file" yaml:"prompt_file,omitempty"`
	// Verdict roles have pass/fail extracted from their output.
	Verdict bool `mapstructure:"verdict" yaml:"verdict,omitempty"`
}

// WorkflowConfig is the ordered step list the engine drives.
type WorkflowConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	MaxLoops int    `mapstructure:"max_loops" yaml:"max_loops"`
	Steps    []Step `mapstructure:"steps" yaml:"steps"`
}

// Loops returns the per-step visit bound, defaulting when unset.
func (w WorkflowConfig) Loops() int {
	if w.MaxLoops <= 0 {
		return DefaultMaxLoops
	}
	return w.MaxLoops
}

// Step is one configured workflow unit.
type Step struct {
	Role string `mapstructure:"role" yaml:"role"`
	// Input references an outputs key appended to the step prompt.
	Input string `mapstructure:"input" yaml:"input,omitempty"`
	// Output stores the step's result under this outputs key.
	Output string `mapstructure:"output" yaml:"output,omitempty"`
	// PerTask fans the step out over the current plan's tasks.
	PerTask bool `mapstructure:"per_task" yaml:"per_task,omitempty"`
	// OnFail/OnSuccess are "goto:<role>" jump directives.
	OnFail    string `mapstructure:"on_fail" yaml:"on_fail,omitempty"`
	OnSuccess string `mapstructure:"on_success" yaml:"on_success,omitempty"`
}

// RetryConfig bounds dispatch retries.
type RetryConfig struct {
	MaxRetries   int `mapstructure:"max_retries" yaml:"max_retries"`
	DelaySeconds int `mapstructure:"delay_seconds" yaml:"delay_seconds"`
}

// Delay returns the fixed inter-attempt delay.
func (r RetryConfig) Delay() time.Duration {
	if r.DelaySeconds < 0 {
		return 0
	}
	return time.Duration(r.DelaySeconds) * time.Second
}

// ParallelConfig bounds per-task fan-out.
type ParallelConfig struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
}

// Workers returns the fan-out concurrency bound, defaulting when unset.
func (p ParallelConfig) Workers() int {
	if p.MaxWorkers <= 0 {
		return DefaultMaxWorkers
	}
	return p.MaxWorkers
}

// SessionConfig controls persistence behavior.
type SessionConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	StaleHours       int  `mapstructure:"stale_hours" yaml:"stale_hours"`
	HeartbeatSeconds int  `mapstructure:"heartbeat_seconds" yaml:"heartbeat_seconds"`
}

// StaleAfter returns how long an interrupted session may idle before
// cleanup force-fails it.
func (s SessionConfig) StaleAfter() time.Duration {
	if s.StaleHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.StaleHours) * time.Hour
}

// EventsConfig sizes the progress event stream.
type EventsConfig struct {
	BufferSize int         `mapstructure:"buffer_size" yaml:"buffer_size"`
	ReplaySize int         `mapstructure:"replay_size" yaml:"replay_size"`
	Redis      RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig mirrors progress events to a Redis stream when Addr is
// set.
type RedisConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr,omitempty"`
	Stream string `mapstructure:"stream" yaml:"stream,omitempty"`
	MaxLen int64  `mapstructure:"max_len" yaml:"max_len,omitempty"`
}

// BreakerConfig guards agent invocations with a circuit breaker.
type BreakerConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures      int  `mapstructure:"max_failures" yaml:"max_failures"`
	MaxRequests      int  `mapstructure:"max_requests" yaml:"max_requests"`
	SuccessThreshold int  `mapstructure:"success_threshold" yaml:"success_threshold"`
	IntervalSeconds  int  `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds   int  `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Default returns the built-in configuration: the five-role
// plan/validate/implement/review/fix pipeline against stock agent
// CLIs.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			EntryRole:     DefaultEntryRole,
			PlanOutputKey: DefaultPlanKey,
		},
		Storage: StorageConfig{
			Driver:    "sqlite3",
			Path:      "conveyor.db",
			QueueSize: 256,
			Workers:   2,
		},
		Agents: map[string]Agent{
			"claude-opus": {
				Command:        "claude",
				Model:          "opus",
				Args:           []string{"-p", "{prompt}", "--print"},
				TimeoutSeconds: 300,
			},
			"claude-sonnet": {
				Command:        "claude",
				Model:          "sonnet",
				Args:           []string{"-p", "{prompt}", "--print"},
				TimeoutSeconds: 300,
			},
			"codex-gpt5": {
				Command:         "codex",
				Model:           "gpt-5.2",
				ReasoningEffort: "high",
				Args: []string{
					"exec", "{prompt}", "--full-auto", "--skip-git-repo-check",
					"-c", `model_reasoning_effort="{reasoning_effort}"`,
				},
				TimeoutSeconds: 300,
			},
		},
		Roles: map[string]Role{
			"planner": {
				Agent: "claude-opus",
				Prompt: "You are the planner. Read the user request and produce an " +
					"implementation plan as a fenced JSON block with top-level \"specs\" and " +
					"\"tasks\" arrays. Every task needs id, description, files and " +
					"acceptance_criteria.",
			},
			"plan_validator": {
				Agent:   "codex-gpt5",
				Verdict: true,
				Prompt: "You are the plan validator. Review the plan for completeness, " +
					"ordering and feasibility. Reply with verdict \"approved\" or " +
					"\"needs_revision\" and list every problem you find.",
			},
			"implementer": {
				Agent: "claude-opus",
				Prompt: "You are the implementer. Complete the task described below in the " +
					"working directory, following the plan and its acceptance criteria " +
					"exactly.",
			},
			"code_reviewer": {
				Agent:   "codex-gpt5",
				Verdict: true,
				Prompt: "You are the code reviewer. Review the implementation of the task " +
					"below. Reply with verdict \"approved\" or \"needs_revision\" and explain " +
					"every finding.",
			},
			"fixer": {
				Agent: "claude-opus",
				Prompt: "You are the fixer. Address every problem raised by the reviewer " +
					"with the smallest change that resolves it.",
			},
		},
		Workflow: WorkflowConfig{
			Name:     "build",
			MaxLoops: DefaultMaxLoops,
			Steps: []Step{
				{Role: "planner", Output: DefaultPlanKey},
				{Role: "plan_validator", Input: DefaultPlanKey, OnFail: "goto:planner"},
				// The fixer sits between implementer and reviewer but is
				// only reached through the reviewer's on_fail jump; clean
				// runs skip it, and a passing review ends the workflow.
				{Role: "implementer", Input: DefaultPlanKey, PerTask: true, OnSuccess: "goto:code_reviewer"},
				{Role: "fixer", OnSuccess: "goto:code_reviewer"},
				{Role: "code_reviewer", PerTask: true, OnFail: "goto:fixer"},
			},
		},
		Retry:    RetryConfig{MaxRetries: DefaultMaxRetries, DelaySeconds: 5},
		Parallel: ParallelConfig{MaxWorkers: DefaultMaxWorkers},
		Session: SessionConfig{
			Enabled:          true,
			StaleHours:       24,
			HeartbeatSeconds: 30,
		},
		Events: EventsConfig{
			BufferSize: 256,
			ReplaySize: 64,
			Redis:      RedisConfig{Stream: "conveyor:events", MaxLen: 1000},
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			MaxFailures:      5,
			MaxRequests:      1,
			SuccessThreshold: 2,
			IntervalSeconds:  30,
			TimeoutSeconds:   60,
		},
	}
}

// Validate checks referential integrity: every step names a defined
// role, every role names a defined agent, every jump directive is
// well-formed and targets a defined role.
func (c *Config) Validate() error {
	for name, role := range c.Roles {
		if role.Agent == "" {
			return fmt.Errorf("role %q has no agent", name)
		}
		if _, ok := c.Agents[role.Agent]; !ok {
			return fmt.Errorf("role %q references undefined agent %q", name, role.Agent)
		}
	}

	for i, step := range c.Workflow.Steps {
		if step.Role == "" {
			return fmt.Errorf("workflow step %d has no role", i)
		}
		if _, ok := c.Roles[step.Role]; !ok {
			return fmt.Errorf("workflow step %d references undefined role %q", i, step.Role)
		}
		for _, directive := range []string{step.OnFail, step.OnSuccess} {
			if directive == "" {
				continue
			}
			target, ok := ParseJumpDirective(directive)
			if !ok {
				return fmt.Errorf("workflow step %d has malformed directive %q", i, directive)
			}
			if _, ok := c.Roles[target]; !ok {
				return fmt.Errorf("workflow step %d jump targets undefined role %q", i, target)
			}
		}
	}

	switch c.Storage.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Parallel.MaxWorkers < 0 {
		return fmt.Errorf("parallel.max_workers must not be negative")
	}
	return nil
}

// ParseJumpDirective splits a "goto:<role>" directive into its target
// role. Returns false for anything malformed.
func ParseJumpDirective(directive string) (string, bool) {
	target, ok := strings.CutPrefix(directive, "goto:")
	if !ok {
		return "", false
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}
	return target, true
}

// Snapshot renders the configuration as a plain map for persistence
// alongside a session.
func (c *Config) Snapshot() (map[string]interface{}, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	var snapshot map[string]interface{}
	if err := yaml.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to rebuild config snapshot: %w", err)
	}
	return snapshot, nil
}
