package sandbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Response is the shape every run caller receives, whatever happened.
type Response struct {
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	Code       int     `json:"code"`
	Signal     *string `json:"signal"`
	Output     string  `json:"output"`
	Engine     string  `json:"engine"`
	DurationMs int64   `json:"durationMs"`
}

// Orchestrator walks an ordered backend chain for every request.
type Orchestrator struct {
	mu      sync.RWMutex
	chain   []Backend
	timeout time.Duration
}

// NewOrchestrator creates an orchestrator over chain, tried in order.
func NewOrchestrator(chain []Backend, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{chain: chain, timeout: timeout}
}

// SetChain replaces the backend chain. Runs already in flight keep the chain
// they started with.
func (o *Orchestrator) SetChain(chain []Backend) {
	o.mu.Lock()
	o.chain = chain
	o.mu.Unlock()
}

// Chain returns the kinds of the current chain in order.
func (o *Orchestrator) Chain() []Kind {
	o.mu.RLock()
	defer o.mu.RUnlock()

	kinds := make([]Kind, 0, len(o.chain))
	for _, b := range o.chain {
		kinds = append(kinds, b.Kind())
	}
	return kinds
}

// Execute runs req on the first backend that can start it. A backend error
// falls through to the next backend; a result, whatever its exit code, is
// returned as is. When every backend is unavailable the response carries
// engine "none" and code -1.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Response {
	if req.Timeout <= 0 {
		req.Timeout = o.timeout
	}

	o.mu.RLock()
	chain := o.chain
	o.mu.RUnlock()

	started := time.Now()
	chain, failures := route(chain, req)
	for _, b := range chain {
		if ctx.Err() != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", b.Kind(), ctx.Err()))
			break
		}

		result, err := b.Execute(ctx, req)
		if err != nil {
			log.Printf("sandbox: %s backend unavailable: %v", b.Kind(), err)
			failures = append(failures, fmt.Sprintf("%s: %v", b.Kind(), err))
			continue
		}
		if result.Engine == "" {
			result.Engine = string(b.Kind())
		}
		return toResponse(result, time.Since(started))
	}

	stderr := "no execution backend available"
	if len(failures) > 0 {
		stderr += ":\n  " + strings.Join(failures, "\n  ")
	}
	return toResponse(Result{
		Stderr:   stderr,
		ExitCode: ExitInfrastructure,
		Engine:   EngineNone,
	}, time.Since(started))
}

// route orders the chain for req. Pooled requests try stateful backends
// first. Cells never run on a stateless backend, since a fresh interpreter
// would lose the namespace; those backends are reported as skipped.
func route(chain []Backend, req Request) ([]Backend, []string) {
	if !req.Persistent() && !req.Cell {
		return chain, nil
	}
	var stateful, stateless []Backend
	for _, b := range chain {
		if keepsState(b) {
			stateful = append(stateful, b)
		} else {
			stateless = append(stateless, b)
		}
	}
	if !req.Cell {
		return append(stateful, stateless...), nil
	}
	var skipped []string
	for _, b := range stateless {
		skipped = append(skipped, fmt.Sprintf("%s: cannot keep cell state", b.Kind()))
	}
	return stateful, skipped
}

func toResponse(r Result, elapsed time.Duration) Response {
	resp := Response{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Code:       r.ExitCode,
		Output:     r.Stdout + r.Stderr,
		Engine:     r.Engine,
		DurationMs: elapsed.Milliseconds(),
	}
	if r.Signal != "" {
		sig := r.Signal
		resp.Signal = &sig
	}
	return resp
}
