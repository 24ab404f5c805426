// Package mock provides a scriptable generation function for tests and demos.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ineyio/gemledger"
)

// Generator is a mock generation function.
type Generator struct {
	latency      time.Duration
	failAfter    int
	staticErr    error
	empty        bool
	callCount    atomic.Int64
	responseFunc func(gemledger.GenerationRequest) (gemledger.GenerationResult, error)
}

var _ gemledger.Generator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator that succeeds with one output reference.
func New(opts ...Option) *Generator {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithFailAfter makes the generator fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Generator) { g.failAfter = n }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithEmptyResult makes the generator succeed with no output.
func WithEmptyResult() Option {
	return func(g *Generator) { g.empty = true }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(gemledger.GenerationRequest) (gemledger.GenerationResult, error)) Option {
	return func(g *Generator) { g.responseFunc = fn }
}

// Generate implements gemledger.Generator.
func (g *Generator) Generate(ctx context.Context, req gemledger.GenerationRequest) (gemledger.GenerationResult, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return gemledger.GenerationResult{}, ctx.Err()
		}
	}

	count := g.callCount.Add(1)

	if g.staticErr != nil {
		return gemledger.GenerationResult{}, g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return gemledger.GenerationResult{}, fmt.Errorf("mock: call %d failed", count)
	}

	if g.empty {
		return gemledger.GenerationResult{}, nil
	}

	if g.responseFunc != nil {
		return g.responseFunc(req)
	}

	result, _ := json.Marshal(map[string]string{"feature": req.Feature, "status": "done"})
	return gemledger.GenerationResult{
		Result:     result,
		OutputRefs: []string{fmt.Sprintf("mock/%s/%s/%d.png", req.UserID, req.Feature, count)},
	}, nil
}

// CallCount returns the number of calls made to the generator.
func (g *Generator) CallCount() int64 { return g.callCount.Load() }
