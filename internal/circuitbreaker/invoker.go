package circuitbreaker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/agent"
)

// BreakerInvoker wraps an agent.Invoker with one breaker per agent
// binding. Spawn failures and timeouts count against the breaker;
// a process that ran to completion does not, whatever its exit code.
type BreakerInvoker struct {
	next   agent.Invoker
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// WrapInvoker guards next with per-agent circuit breakers.
func WrapInvoker(next agent.Invoker, cfg Config, logger *zap.Logger) *BreakerInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerInvoker{
		next:     next,
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Invoke implements agent.Invoker. While an agent's breaker is open,
// invocations fail immediately without reaching the CLI; the
// dispatcher's retry delay gives the breaker time to probe.
func (bi *BreakerInvoker) Invoke(ctx context.Context, req agent.InvokeRequest) (*agent.InvokeResult, error) {
	br := bi.breaker(req.Agent)

	var res *agent.InvokeResult
	err := br.Execute(ctx, func() error {
		var invokeErr error
		res, invokeErr = bi.next.Invoke(ctx, req)
		return invokeErr
	})
	if err != nil {
		if err == ErrOpen || err == ErrTooManyRequests {
			return nil, fmt.Errorf("agent %s unavailable: %w", req.Agent, err)
		}
		return nil, err
	}
	return res, nil
}

// State reports the named agent's breaker position for inspection.
func (bi *BreakerInvoker) State(agentName string) State {
	return bi.breaker(agentName).State()
}

func (bi *BreakerInvoker) breaker(agentName string) *Breaker {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	br, ok := bi.breakers[agentName]
	if !ok {
		br = New("agent:"+agentName, bi.config, bi.logger)
		bi.breakers[agentName] = br
	}
	return br
}
