package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/agent"
	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []agent.InvokeRequest
	fn    func(call int, req agent.InvokeRequest) (*agent.InvokeResult, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() *config.Config {
	return &config.Config{
		Agents: map[string]config.Agent{
			"cli": {Command: "fake", TimeoutSeconds: 5},
		},
		Roles: map[string]config.Role{
			"planner":  {Agent: "cli", Prompt: "You plan."},
			"reviewer": {Agent: "cli", Prompt: "You review."},
			"broken":   {Agent: "missing"},
		},
		Retry:    config.RetryConfig{MaxRetries: 2, DelaySeconds: 0},
		Parallel: config.ParallelConfig{MaxWorkers: 2},
	}
}

func succeedWith(output string) func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
	return func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
		return &agent.InvokeResult{ExitCode: 0, Stdout: output, Duration: time.Millisecond}, nil
	}
}

func TestDispatchOneSuccess(t *testing.T) {
	inv := &fakeInvoker{fn: succeedWith("plan text")}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	res, err := d.DispatchOne(context.Background(), nil, Request{
		TaskID: "step1",
		Role:   "planner",
		Prompt: "build a thing",
		Retry:  true,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "plan text", res.Output)
	assert.Equal(t, "planner", res.Role)
	assert.Equal(t, "cli", res.Agent)
	assert.Equal(t, 0, res.Retries)
	assert.Empty(t, res.Error)

	require.Equal(t, 1, inv.callCount())
	sent := inv.calls[0]
	assert.Equal(t, "You plan.\n\n---\n\nbuild a thing", sent.Prompt)
	assert.Equal(t, 5*time.Second, sent.Timeout)
}

func TestDispatchOneRoleNotFound(t *testing.T) {
	d := New(testConfig(), &fakeInvoker{fn: succeedWith("")}, nil, nil, zap.NewNop())

	_, err := d.DispatchOne(context.Background(), nil, Request{Role: "ghost"})
	require.Error(t, err)

	var rnf *RoleNotFoundError
	require.True(t, errors.As(err, &rnf))
	assert.Equal(t, "ghost", rnf.Role)
	assert.Equal(t, []string{"broken", "planner", "reviewer"}, rnf.Available)
}

func TestDispatchOneUndefinedAgent(t *testing.T) {
	d := New(testConfig(), &fakeInvoker{fn: succeedWith("")}, nil, nil, zap.NewNop())

	_, err := d.DispatchOne(context.Background(), nil, Request{Role: "broken"})
	require.Error(t, err)

	var rnf *RoleNotFoundError
	require.True(t, errors.As(err, &rnf))
	assert.Equal(t, "broken", rnf.Role)
	assert.Equal(t, "missing", rnf.Agent)
}

func TestDispatchOneRetriesUntilSuccess(t *testing.T) {
	inv := &fakeInvoker{fn: func(call int, _ agent.InvokeRequest) (*agent.InvokeResult, error) {
		if call < 3 {
			return &agent.InvokeResult{ExitCode: 1, Stderr: "transient"}, nil
		}
		return &agent.InvokeResult{ExitCode: 0, Stdout: "ok"}, nil
	}}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	res, err := d.DispatchOne(context.Background(), nil, Request{
		Role: "planner", Prompt: "p", Retry: true,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, inv.callCount())
}

func TestDispatchOneRetriesExhausted(t *testing.T) {
	inv := &fakeInvoker{fn: func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
		return &agent.InvokeResult{ExitCode: 2, Stderr: "boom"}, nil
	}}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	res, err := d.DispatchOne(context.Background(), nil, Request{
		Role: "planner", Prompt: "p", Retry: true,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	// max_retries 2 means three attempts total.
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, inv.callCount())
}

func TestDispatchOneNoRetry(t *testing.T) {
	inv := &fakeInvoker{fn: func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
		return &agent.InvokeResult{ExitCode: 1, Stderr: "nope"}, nil
	}}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	res, err := d.DispatchOne(context.Background(), nil, Request{
		Role: "planner", Prompt: "p", Retry: false,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 1, inv.callCount())
}

func TestSetConfigAppliesToNextDispatch(t *testing.T) {
	inv := &fakeInvoker{fn: succeedWith("ok")}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	_, err := d.DispatchOne(context.Background(), nil, Request{Role: "planner", Prompt: "first"})
	require.NoError(t, err)

	next := testConfig()
	next.Roles["planner"] = config.Role{Agent: "cli", Prompt: "You plan carefully."}
	d.SetConfig(next)
	d.SetConfig(nil) // ignored, keeps the previous config

	_, err = d.DispatchOne(context.Background(), nil, Request{Role: "planner", Prompt: "second"})
	require.NoError(t, err)

	require.Equal(t, 2, inv.callCount())
	assert.Equal(t, "You plan.\n\n---\n\nfirst", inv.calls[0].Prompt)
	assert.Equal(t, "You plan carefully.\n\n---\n\nsecond", inv.calls[1].Prompt)
}

func TestDispatchOneInvokerError(t *testing.T) {
	inv := &fakeInvoker{fn: func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
		return nil, errors.New("agent claude timed out after 5s")
	}}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	res, err := d.DispatchOne(context.Background(), nil, Request{
		Role: "planner", Prompt: "p", Retry: true,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Equal(t, 3, inv.callCount())
}

func TestDispatchOneCanceledDuringRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{fn: func(int, agent.InvokeRequest) (*agent.InvokeResult, error) {
		cancel()
		return &agent.InvokeResult{ExitCode: 1, Stderr: "flaky"}, nil
	}}
	cfg := testConfig()
	cfg.Retry.DelaySeconds = 60

	d := New(cfg, inv, nil, nil, zap.NewNop())
	res, err := d.DispatchOne(ctx, nil, Request{Role: "planner", Prompt: "p", Retry: true})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled")
	assert.Equal(t, 1, inv.callCount())
}

func TestDispatchParallelOrderAndIDs(t *testing.T) {
	// Later tasks finish first; results must still come back in
	// request order.
	inv := &fakeInvoker{fn: func(_ int, req agent.InvokeRequest) (*agent.InvokeResult, error) {
		var idx int
		fmt.Sscanf(req.Prompt[len("You plan.\n\n---\n\n"):], "p%d", &idx)
		time.Sleep(time.Duration(4-idx) * 10 * time.Millisecond)
		return &agent.InvokeResult{ExitCode: 0, Stdout: fmt.Sprintf("out%d", idx)}, nil
	}}
	d := New(testConfig(), inv, nil, nil, zap.NewNop())

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{Role: "planner", Prompt: fmt.Sprintf("p%d", i), Retry: true}
	}
	results := d.DispatchParallel(context.Background(), nil, reqs)

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("task%d", i+1), res.TaskID)
		assert.Equal(t, fmt.Sprintf("out%d", i), res.Output)
		assert.True(t, res.Success)
	}
}

func TestDispatchParallelIsolatesFailures(t *testing.T) {
	inv := &fakeInvoker{fn: func(_ int, req agent.InvokeRequest) (*agent.InvokeResult, error) {
		if req.Role == "reviewer" {
			return &agent.InvokeResult{ExitCode: 1, Stderr: "rejected"}, nil
		}
		return &agent.InvokeResult{ExitCode: 0, Stdout: "fine"}, nil
	}}
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	d := New(cfg, inv, nil, nil, zap.NewNop())

	results := d.DispatchParallel(context.Background(), nil, []Request{
		{TaskID: "a", Role: "planner", Prompt: "x", Retry: true},
		{TaskID: "b", Role: "reviewer", Prompt: "y", Retry: true},
		{TaskID: "c", Role: "ghost", Prompt: "z", Retry: true},
		{TaskID: "d", Role: "planner", Prompt: "w", Retry: true},
	})

	require.Len(t, results, 4)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "rejected", results[1].Error)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Error, "not found")
	assert.True(t, results[3].Success)
}

func TestDispatchEmptyParallel(t *testing.T) {
	d := New(testConfig(), &fakeInvoker{fn: succeedWith("")}, nil, nil, zap.NewNop())
	assert.Nil(t, d.DispatchParallel(context.Background(), nil, nil))
}

func TestDispatchRecordsAudit(t *testing.T) {
	st, err := store.Open(&store.Config{Driver: "sqlite3", Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	sessions := session.NewManager(st, zap.NewNop())
	ctx := context.Background()
	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "audit me"})
	require.NoError(t, err)

	inv := &fakeInvoker{fn: succeedWith("the output")}
	d := New(testConfig(), inv, sessions, nil, zap.NewNop())

	stepIndex := 3
	res, err := d.DispatchOne(ctx, sc, Request{
		TaskID:    "t1",
		Role:      "planner",
		Prompt:    "do the work",
		StepIndex: &stepIndex,
		Retry:     false,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// Audit writes are asynchronous.
	require.Eventually(t, func() bool {
		msgs, err := st.ListMessages(ctx, sc.ID, 0)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := st.ListMessages(ctx, sc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "do the work", msgs[0].Content)
	require.NotNil(t, msgs[0].StepIndex)
	assert.Equal(t, 3, *msgs[0].StepIndex)
	require.NotNil(t, msgs[0].TaskID)
	assert.Equal(t, "t1", *msgs[0].TaskID)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "the output", msgs[1].Content)

	require.Eventually(t, func() bool {
		invs, err := st.ListToolInvocations(ctx, sc.ID, 0)
		return err == nil && len(invs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	invs, err := st.ListToolInvocations(ctx, sc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "cli", invs[0].ToolType)
	assert.Equal(t, "planner/cli", invs[0].ToolName)
	assert.True(t, invs[0].Success)
}
