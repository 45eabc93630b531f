// Package router dispatches extraction requests to model-service providers.
// A task type resolves to a primary provider plus an ordered fallback chain;
// each provider call runs under that provider's concurrency cap, rate limit,
// retry policy, and timeout.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/resilience"
)

// Registry holds the providers available for routing.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]llm.Provider
	configs   map[string]ProviderConfig
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]llm.Provider),
		configs:   make(map[string]ProviderConfig),
	}
}

// Register adds a provider with its operational limits.
func (r *Registry) Register(p llm.Provider, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Name = p.Name()
	r.providers[p.Name()] = p
	r.configs[p.Name()] = applyProviderDefaults(cfg)
}

// Get returns a provider and its config by name.
func (r *Registry) Get(name string) (llm.Provider, ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ProviderConfig{}, false
	}
	return p, r.configs[name], true
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Attempt records one failed provider attempt within a routing call.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError reports that every provider in a task's chain failed. It
// lists each attempted provider with its failure reason.
type ExhaustedError struct {
	Task     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "router: all providers exhausted for task %s:", e.Task)
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, " [%s: %v]", a.Provider, a.Err)
	}
	return sb.String()
}

// gate holds the only mutable routing state: one provider's concurrency
// semaphore and rate-limit window. Requests beyond the concurrency cap queue
// on the semaphore; requests beyond the per-minute ceiling are delayed by the
// limiter, never rejected.
type gate struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

func newGate(cfg ProviderConfig) *gate {
	// Burst 1 keeps sustained throughput at or under the per-minute ceiling.
	return &gate{
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
	}
}

func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	<-g.sem
}

// Router resolves task types to provider chains and executes calls under
// per-provider constraints. Stateless across calls except for the gates.
type Router struct {
	registry *Registry
	rules    map[string]Rule

	mu    sync.Mutex
	gates map[string]*gate
}

// New creates a Router from a registry and routing rules. Rules referencing
// unregistered providers fail at routing time with a per-attempt error.
func New(registry *Registry, rules []Rule) *Router {
	byTask := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byTask[r.Task] = r
	}
	return &Router{
		registry: registry,
		rules:    byTask,
		gates:    make(map[string]*gate),
	}
}

// Route sends the request to the task's primary provider, falling through the
// fallback chain on failure. Returns the first successful response, or an
// ExhaustedError naming every attempted provider and its failure reason.
func (r *Router) Route(ctx context.Context, task string, req llm.Request) (*llm.Response, error) {
	rule, ok := r.rules[task]
	if !ok {
		return nil, eris.Errorf("router: no routing rule for task %s", task)
	}

	var attempts []Attempt
	for _, name := range rule.Chain() {
		provider, cfg, found := r.registry.Get(name)
		if !found {
			attempts = append(attempts, Attempt{Provider: name, Err: eris.New("provider not registered")})
			continue
		}

		resp, err := r.callProvider(ctx, provider, cfg, rule, req)
		if err == nil {
			return resp, nil
		}

		attempts = append(attempts, Attempt{Provider: name, Err: err})

		if ctx.Err() != nil {
			break
		}

		zap.L().Warn("provider failed, falling back",
			zap.String("task", task),
			zap.String("provider", name),
			zap.Error(err),
		)
	}

	return nil, &ExhaustedError{Task: task, Attempts: attempts}
}

// callProvider runs one provider's attempt loop under its gate. The
// concurrency slot is held across retries (it bounds in-flight work); the
// rate limiter is consulted per attempt (every attempt is a real request).
func (r *Router) callProvider(ctx context.Context, provider llm.Provider, cfg ProviderConfig, rule Rule, req llm.Request) (*llm.Response, error) {
	req = applyRequestDefaults(req, cfg, rule)

	g := r.gateFor(cfg)
	if err := g.acquire(ctx); err != nil {
		return nil, eris.Wrap(err, "router: acquire slot")
	}
	defer g.release()

	retryCfg := resilience.RetryConfig{
		MaxAttempts: cfg.RetryCount + 1,
		Delay:       cfg.RetryDelay,
		OnRetry:     resilience.RetryLogger(cfg.Name, "complete"),
	}

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*llm.Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "router: rate limiter wait")
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return provider.Complete(callCtx, req)
	})
}

func (r *Router) gateFor(cfg ProviderConfig) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[cfg.Name]
	if !ok {
		g = newGate(cfg)
		r.gates[cfg.Name] = g
	}
	return g
}

func applyRequestDefaults(req llm.Request, cfg ProviderConfig, rule Rule) llm.Request {
	if req.Model == "" {
		req.Model = cfg.Model
	}
	if req.MaxTokens == 0 {
		if rule.MaxTokens > 0 {
			req.MaxTokens = rule.MaxTokens
		} else {
			req.MaxTokens = cfg.MaxTokens
		}
	}
	if req.Temperature == nil && rule.Temperature != nil {
		req.Temperature = rule.Temperature
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = rule.ResponseFormat
	}
	return req
}
