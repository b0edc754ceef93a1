package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/llmhive/llmhive/core"
	"github.com/llmhive/llmhive/providers"
	"github.com/llmhive/llmhive/resilience"
	"github.com/llmhive/llmhive/telemetry"
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.RoutingTable["fast"] = core.Route{Backend: "alpha", NativeID: "alpha/fast-1"}
	cfg.FallbackChain = []string{"beta", "gamma"}
	return cfg
}

func newTestRouter(t *testing.T, cfg *core.Config, opts ...RouterOption) *Router {
	t.Helper()
	r, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return r
}

func TestDispatchSuccess(t *testing.T) {
	stub := providers.NewStubClient()
	stub.SetDefault("the answer")

	sink := telemetry.NewMemorySink()
	r := newTestRouter(t, testConfig(),
		WithClient("alpha", stub, 60),
		WithTelemetrySink(sink),
	)

	resp, err := r.Call(context.Background(), "fast", "what is the answer?")
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Content != "the answer" {
		t.Errorf("Content = %q, want %q", resp.Content, "the answer")
	}
	if resp.ModelID != "alpha/fast-1" {
		t.Errorf("ModelID = %q, want native id", resp.ModelID)
	}

	calls := sink.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call trace, got %d", len(calls))
	}
	if calls[0].Outcome != "success" || calls[0].Backend != "alpha" {
		t.Errorf("trace = %+v, want success on alpha", calls[0])
	}
}

func TestDispatchUnknownLogicalModel(t *testing.T) {
	r := newTestRouter(t, testConfig(), WithClient("alpha", providers.NewStubClient(), 60))

	_, err := r.Call(context.Background(), "no-such-model", "hi")
	if !errors.Is(err, core.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestRateLimitFailsOverWithoutOpeningCircuit(t *testing.T) {
	primary := providers.NewStubClient()
	primary.Enqueue(providers.StubReply{
		Err: &core.ProviderError{Kind: core.ProviderErrRateLimited, StatusCode: 429, Message: "slow down"},
	})
	fallback := providers.NewStubClient()
	fallback.SetDefault("served by beta")

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", primary, 60),
		WithClient("beta", fallback, 60),
		WithSubstitutes(map[string]map[string]string{
			"beta": {"fast": "beta/fast-equiv"},
		}),
	)

	resp, err := r.Call(context.Background(), "fast", "hello")
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Content != "served by beta" {
		t.Errorf("Content = %q, want fallback response", resp.Content)
	}
	if resp.ModelID != "beta/fast-equiv" {
		t.Errorf("ModelID = %q, want substitute native id", resp.ModelID)
	}
	// Throttling never counts toward the circuit.
	if got := r.CircuitState("alpha"); got != "closed" {
		t.Errorf("alpha circuit = %q, want closed", got)
	}
}

func TestPermanentErrorSkipsRetryButFailsOver(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	primary := providers.NewStubClient()
	primary.SetDefault("unused")
	primary.Enqueue(providers.StubReply{
		Err: &core.ProviderError{Kind: core.ProviderErrClient, StatusCode: 400, Message: "bad request"},
	})
	fallback := providers.NewStubClient()
	fallback.SetDefault("rescued")

	r := newTestRouter(t, cfg,
		WithClient("alpha", primary, 60),
		WithClient("beta", fallback, 60),
		WithSubstitutes(map[string]map[string]string{"beta": {"fast": "beta/fast-equiv"}}),
	)

	resp, err := r.Call(context.Background(), "fast", "hello")
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Content != "rescued" {
		t.Errorf("Content = %q, want fallback response", resp.Content)
	}
	if primary.CallCount != 1 {
		t.Errorf("primary CallCount = %d, want 1 (no retry on 4xx)", primary.CallCount)
	}
}

func TestTransientFailuresOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2 // three attempts total
	serverErr := &core.ProviderError{Kind: core.ProviderErrServer, StatusCode: 500, Message: "boom"}

	primary := providers.NewStubClient()
	primary.Enqueue(
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
	)

	r := newTestRouter(t, cfg, WithClient("alpha", primary, 60))

	_, err := r.Call(context.Background(), "fast", "hello")
	if !errors.Is(err, core.ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	if got := r.CircuitState("alpha"); got != "open" {
		t.Errorf("alpha circuit = %q, want open after 3 consecutive failures", got)
	}

	// With the circuit open, dispatch skips the backend entirely.
	before := primary.CallCount
	_, err = r.Call(context.Background(), "fast", "hello again")
	if !errors.Is(err, core.ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	if primary.CallCount != before {
		t.Errorf("open circuit still reached backend: %d calls", primary.CallCount-before)
	}
}

func TestCircuitRecoversThroughHalfOpen(t *testing.T) {
	cfg := testConfig()
	primary := providers.NewStubClient()
	primary.SetDefault("recovered")

	r := newTestRouter(t, cfg, WithClient("alpha", primary, 60))

	// Swap in a breaker whose clock the test controls.
	now := time.Now()
	clock := func() time.Time { return now }
	handle, ok := r.backend("alpha")
	if !ok {
		t.Fatal("alpha not registered")
	}
	handle.breaker = resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             "alpha",
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		HalfOpenMax:      2,
		Clock:            clock,
	})

	for i := 0; i < 3; i++ {
		handle.breaker.RecordFailure()
	}
	if got := r.CircuitState("alpha"); got != "open" {
		t.Fatalf("circuit = %q, want open", got)
	}

	// Reset timeout elapses; next call is a probe.
	now = now.Add(61 * time.Second)
	resp, err := r.Call(context.Background(), "fast", "probe one")
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q", resp.Content)
	}
	if got := r.CircuitState("alpha"); got != "half_open" {
		t.Errorf("circuit = %q after first probe, want half_open", got)
	}

	// Second ordered probe success closes the circuit.
	if _, err := r.Call(context.Background(), "fast", "probe two"); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if got := r.CircuitState("alpha"); got != "closed" {
		t.Errorf("circuit = %q after second probe, want closed", got)
	}
}

func TestNoWaitFailsOverAtRPMCeiling(t *testing.T) {
	primary := providers.NewStubClient()
	primary.SetDefault("from alpha")
	fallback := providers.NewStubClient()
	fallback.SetDefault("from beta")

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", primary, 1), // one token, then empty for ~60s
		WithClient("beta", fallback, 60),
		WithSubstitutes(map[string]map[string]string{"beta": {"fast": "beta/fast-equiv"}}),
	)

	params := &core.ChatParams{NoWait: true}
	msgs := []core.ChatMessage{{Role: "user", Content: "hi"}}

	resp, err := r.Dispatch(context.Background(), "fast", msgs, params)
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if resp.Content != "from alpha" {
		t.Errorf("first response = %q, want alpha", resp.Content)
	}

	resp, err = r.Dispatch(context.Background(), "fast", msgs, &core.ChatParams{NoWait: true})
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if resp.Content != "from beta" {
		t.Errorf("second response = %q, want failover to beta", resp.Content)
	}
}

func TestRetriesSpendRateLimitTokens(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2 // three attempts allowed, but only one token available
	serverErr := &core.ProviderError{Kind: core.ProviderErrServer, StatusCode: 500, Message: "boom"}

	primary := providers.NewStubClient()
	primary.Enqueue(
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
	)

	r := newTestRouter(t, cfg, WithClient("alpha", primary, 1))

	params := &core.ChatParams{NoWait: true}
	msgs := []core.ChatMessage{{Role: "user", Content: "hi"}}
	_, err := r.Dispatch(context.Background(), "fast", msgs, params)
	if err == nil {
		t.Fatal("dispatch succeeded with every attempt failing")
	}
	if primary.CallCount != 1 {
		t.Errorf("backend received %d calls on a 1-rpm bucket, want 1", primary.CallCount)
	}
}

func TestRetryWaitsForRateLimitToken(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	serverErr := &core.ProviderError{Kind: core.ProviderErrServer, StatusCode: 500, Message: "boom"}

	primary := providers.NewStubClient()
	primary.Enqueue(
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
		providers.StubReply{Err: serverErr},
	)

	r := newTestRouter(t, cfg, WithClient("alpha", primary, 1))

	// The retry must block on the empty bucket rather than call again,
	// so the deadline expires with exactly one call made.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, "fast", "hello")
	if !core.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation while waiting for a token", err)
	}
	if primary.CallCount != 1 {
		t.Errorf("backend received %d calls on a 1-rpm bucket, want 1", primary.CallCount)
	}
}

func TestAllProvidersFailedCarriesAttemptDetail(t *testing.T) {
	serverErr := &core.ProviderError{Kind: core.ProviderErrServer, StatusCode: 503, Message: "down"}
	primary := providers.NewStubClient()
	primary.Enqueue(providers.StubReply{Err: serverErr})
	fallback := providers.NewStubClient()
	fallback.Enqueue(providers.StubReply{Err: serverErr})

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", primary, 60),
		WithClient("beta", fallback, 60),
		WithSubstitutes(map[string]map[string]string{"beta": {"fast": "beta/fast-equiv"}}),
	)

	_, err := r.Call(context.Background(), "fast", "hello")
	var hiveErr *core.HiveError
	if !errors.As(err, &hiveErr) {
		t.Fatalf("err = %T, want *core.HiveError", err)
	}
	if hiveErr.Code != core.CodeAllProvidersFailed {
		t.Errorf("Code = %q, want %q", hiveErr.Code, core.CodeAllProvidersFailed)
	}
	attempted, ok := hiveErr.Details["attempted"].([]attemptRecord)
	if !ok {
		t.Fatalf("missing attempted detail: %+v", hiveErr.Details)
	}
	if len(attempted) != 2 {
		t.Fatalf("attempted = %d records, want 2", len(attempted))
	}
	if attempted[0].Backend != "alpha" || attempted[1].Backend != "beta" {
		t.Errorf("attempt order = %s, %s; want alpha then beta", attempted[0].Backend, attempted[1].Backend)
	}
}

func TestDispatchCancelledReturnsImmediately(t *testing.T) {
	primary := providers.NewStubClient()
	primary.Enqueue(providers.StubReply{Content: "late", Delay: time.Second})
	fallback := providers.NewStubClient()

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", primary, 60),
		WithClient("beta", fallback, 60),
		WithSubstitutes(map[string]map[string]string{"beta": {"fast": "beta/fast-equiv"}}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Call(ctx, "fast", "hello")
	if !core.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	// Cancellation never fails over.
	if fallback.CallCount != 0 {
		t.Errorf("fallback received %d calls after cancellation", fallback.CallCount)
	}
}

func TestFallbackWithoutSubstituteIsSkipped(t *testing.T) {
	serverErr := &core.ProviderError{Kind: core.ProviderErrServer, StatusCode: 500, Message: "down"}
	primary := providers.NewStubClient()
	primary.Enqueue(providers.StubReply{Err: serverErr})
	fallback := providers.NewStubClient()

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", primary, 60),
		WithClient("beta", fallback, 60),
		// no substitutes table: beta cannot serve "fast"
	)

	_, err := r.Call(context.Background(), "fast", "hello")
	if !errors.Is(err, core.ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	if fallback.CallCount != 0 {
		t.Errorf("fallback without substitute received %d calls", fallback.CallCount)
	}
}

func TestListModelsUsesDiscoveryCache(t *testing.T) {
	stub := &countingListClient{StubClient: providers.NewStubClient()}

	r := newTestRouter(t, testConfig(),
		WithClient("alpha", stub, 60),
		WithModelCache(NewMemoryModelCache(time.Hour)),
	)

	first, err := r.ListModels(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	second, err := r.ListModels(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("cached ListModels failed: %v", err)
	}
	if stub.listCalls != 1 {
		t.Errorf("backend ListModels called %d times, want 1", stub.listCalls)
	}
	if len(first) != len(second) {
		t.Errorf("cache returned %d models, want %d", len(second), len(first))
	}
}

type countingListClient struct {
	*providers.StubClient
	listCalls int
}

func (c *countingListClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	c.listCalls++
	return c.StubClient.ListModels(ctx)
}
