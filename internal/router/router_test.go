package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/resilience"
)

// fakeProvider scripts per-call outcomes and records what it saw.
type fakeProvider struct {
	name string

	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	requests []llm.Request
	fn       func(call int) (*llm.Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return f.fn(call)
}

func succeedWith(text string) func(int) (*llm.Response, error) {
	return func(int) (*llm.Response, error) {
		return &llm.Response{Text: text}, nil
	}
}

func alwaysTransient() func(int) (*llm.Response, error) {
	return func(int) (*llm.Response, error) {
		return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
	}
}

func fastConfig() ProviderConfig {
	return ProviderConfig{
		RetryCount:        2,
		RetryDelay:        time.Millisecond,
		Timeout:           time.Second,
		MaxConcurrent:     4,
		RequestsPerMinute: 600000,
	}
}

func newTestRouter(rule Rule, providers ...*fakeProvider) (*Router, *Registry) {
	reg := NewRegistry()
	for _, p := range providers {
		reg.Register(p, fastConfig())
	}
	return New(reg, []Rule{rule}), reg
}

func TestRoutePrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: succeedWith("hello")}
	r, _ := newTestRouter(Rule{Task: "facility_extraction", Primary: "anthropic"}, primary)

	resp, err := r.Route(context.Background(), "facility_extraction", llm.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 1, primary.calls)
}

func TestRouteFallsBackAfterPrimaryExhausted(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: alwaysTransient()}
	fallback := &fakeProvider{name: "openrouter", fn: succeedWith("fallback answer")}
	r, _ := newTestRouter(Rule{
		Task:      "facility_extraction",
		Primary:   "anthropic",
		Fallbacks: []string{"openrouter"},
	}, primary, fallback)

	resp, err := r.Route(context.Background(), "facility_extraction", llm.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", resp.Text)
	// RetryCount 2 means 3 attempts before giving up on the primary.
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestRouteBadRequestSkipsRetries(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: func(int) (*llm.Response, error) {
		return nil, resilience.NewBadRequestError(errors.New("prompt too long"))
	}}
	fallback := &fakeProvider{name: "openrouter", fn: succeedWith("ok")}
	r, _ := newTestRouter(Rule{
		Task:      "facility_extraction",
		Primary:   "anthropic",
		Fallbacks: []string{"openrouter"},
	}, primary, fallback)

	resp, err := r.Route(context.Background(), "facility_extraction", llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	// Malformed requests are not retried within a provider.
	assert.Equal(t, 1, primary.calls)
}

func TestRouteExhaustedErrorNamesEveryProvider(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: alwaysTransient()}
	fallback := &fakeProvider{name: "openrouter", fn: alwaysTransient()}
	r, _ := newTestRouter(Rule{
		Task:      "facility_extraction",
		Primary:   "anthropic",
		Fallbacks: []string{"openrouter", "ghost"},
	}, primary, fallback)

	_, err := r.Route(context.Background(), "facility_extraction", llm.Request{})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, "anthropic", exhausted.Attempts[0].Provider)
	assert.Equal(t, "openrouter", exhausted.Attempts[1].Provider)
	assert.Equal(t, "ghost", exhausted.Attempts[2].Provider)
	assert.Contains(t, exhausted.Attempts[2].Err.Error(), "not registered")
	assert.Contains(t, err.Error(), "facility_extraction")
}

func TestRouteUnknownTask(t *testing.T) {
	r, _ := newTestRouter(Rule{Task: "facility_extraction", Primary: "anthropic"},
		&fakeProvider{name: "anthropic", fn: succeedWith("x")})

	_, err := r.Route(context.Background(), "summarize", llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no routing rule")
}

func TestRouteEachProviderGetsOwnModelDefault(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", fn: alwaysTransient()}
	fallback := &fakeProvider{name: "openrouter", fn: succeedWith("ok")}

	reg := NewRegistry()
	cfg := fastConfig()
	cfg.Model = "claude-sonnet-4-5"
	reg.Register(primary, cfg)
	cfg.Model = "google/gemini-2.5-flash"
	reg.Register(fallback, cfg)

	r := New(reg, []Rule{{Task: "facility_extraction", Primary: "anthropic", Fallbacks: []string{"openrouter"}}})

	_, err := r.Route(context.Background(), "facility_extraction", llm.Request{})
	require.NoError(t, err)

	require.NotEmpty(t, primary.requests)
	assert.Equal(t, "claude-sonnet-4-5", primary.requests[0].Model)
	require.NotEmpty(t, fallback.requests)
	assert.Equal(t, "google/gemini-2.5-flash", fallback.requests[0].Model)
}

func TestRouteConcurrencyCap(t *testing.T) {
	slow := &fakeProvider{name: "anthropic"}
	slow.fn = func(int) (*llm.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return &llm.Response{Text: "ok"}, nil
	}

	reg := NewRegistry()
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	reg.Register(slow, cfg)
	r := New(reg, []Rule{{Task: "facility_extraction", Primary: "anthropic"}})

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Route(context.Background(), "facility_extraction", llm.Request{}); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	// Excess requests queue rather than fail, and in-flight never exceeds the cap.
	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, slow.maxSeen, 2)
	assert.Equal(t, 8, slow.calls)
}

func TestRouteRateLimitSpacesRequests(t *testing.T) {
	fast := &fakeProvider{name: "anthropic", fn: succeedWith("ok")}

	reg := NewRegistry()
	cfg := fastConfig()
	cfg.RequestsPerMinute = 3000 // 50/s => 20ms between requests
	reg.Register(fast, cfg)
	r := New(reg, []Rule{{Task: "facility_extraction", Primary: "anthropic"}})

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := r.Route(context.Background(), "facility_extraction", llm.Request{})
		require.NoError(t, err)
	}
	// First request passes immediately, the next three wait one interval each.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRouteContextCancelStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &fakeProvider{name: "anthropic", fn: func(int) (*llm.Response, error) {
		cancel()
		return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
	}}
	fallback := &fakeProvider{name: "openrouter", fn: succeedWith("never")}
	r, _ := newTestRouter(Rule{
		Task:      "facility_extraction",
		Primary:   "anthropic",
		Fallbacks: []string{"openrouter"},
	}, primary, fallback)

	_, err := r.Route(ctx, "facility_extraction", llm.Request{})
	require.Error(t, err)
	assert.Zero(t, fallback.calls)
}
