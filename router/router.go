// Package router resolves logical model ids to concrete backend calls,
// enforcing per-backend rate limits and circuit breakers and failing over
// along a configured chain when a backend cannot serve.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/llmhive/llmhive/core"
	"github.com/llmhive/llmhive/providers"
	"github.com/llmhive/llmhive/resilience"
)

// backendHandle bundles the per-backend shared state: the adapter, its
// token bucket, and its circuit breaker. Bucket and breaker are independent
// per backend so one failing backend never blocks another.
type backendHandle struct {
	name    string
	client  core.ProviderClient
	bucket  *resilience.TokenBucket
	breaker *resilience.CircuitBreaker
}

// Router is the provider router. Safe for concurrent use.
type Router struct {
	cfg      *core.Config
	logger   core.Logger
	sink     core.TelemetrySink
	backoff  resilience.BackoffPolicy
	cache    ModelCache

	mu          sync.RWMutex
	backends    map[string]*backendHandle
	substitutes map[string]map[string]string // backend -> logical id -> native id

	// sleep is overridable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger core.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithTelemetrySink sets the sink receiving per-dispatch call traces.
func WithTelemetrySink(sink core.TelemetrySink) RouterOption {
	return func(r *Router) { r.sink = sink }
}

// WithClient injects a backend adapter directly, bypassing the registry.
// Tests use this to wire stub backends.
func WithClient(name string, client core.ProviderClient, rpmLimit int) RouterOption {
	return func(r *Router) {
		r.addBackend(name, client, rpmLimit)
	}
}

// WithSubstitutes sets the fallback translation table mapping a logical
// model id to the substitute native id each fallback backend serves.
func WithSubstitutes(table map[string]map[string]string) RouterOption {
	return func(r *Router) { r.substitutes = table }
}

// WithModelCache sets the discovery-response cache.
func WithModelCache(cache ModelCache) RouterOption {
	return func(r *Router) { r.cache = cache }
}

// New creates a Router from configuration. Backends listed in the config
// are built through the provider registry; unknown or unconfigurable
// backends are logged and skipped.
func New(cfg *core.Config, opts ...RouterOption) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: router requires a config", core.ErrMissingConfiguration)
	}

	r := &Router{
		cfg:         cfg,
		logger:      &core.NoOpLogger{},
		sink:        &core.NoOpSink{},
		backoff:     resilience.BackoffPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		backends:    make(map[string]*backendHandle),
		substitutes: make(map[string]map[string]string),
		sleep:       sleepContext,
	}
	if r.backoff.Base <= 0 {
		r.backoff = resilience.DefaultBackoffPolicy()
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryModelCache(cfg.DiscoveryCacheTTL)
	}

	for _, bc := range cfg.Backends {
		if _, exists := r.backends[bc.Name]; exists {
			continue // injected via WithClient
		}
		factory, ok := providers.Get(bc.Name)
		if !ok {
			r.logger.Warn("Unknown backend in config, skipping", map[string]interface{}{
				"operation": "router_init",
				"backend":   bc.Name,
			})
			continue
		}
		client, err := factory.Create(bc, r.logger)
		if err != nil {
			r.logger.Warn("Backend unavailable, skipping", map[string]interface{}{
				"operation": "router_init",
				"backend":   bc.Name,
				"error":     err.Error(),
			})
			continue
		}
		r.addBackend(bc.Name, client, bc.RPMLimit)
	}

	return r, nil
}

func (r *Router) addBackend(name string, client core.ProviderClient, rpmLimit int) {
	if rpmLimit <= 0 {
		rpmLimit = 60
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = &backendHandle{
		name:   name,
		client: client,
		bucket: resilience.NewTokenBucket(rpmLimit),
		breaker: resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: r.cfg.FailureThreshold,
			ResetTimeout:     r.cfg.ResetTimeout,
			HalfOpenMax:      r.cfg.HalfOpenMax,
			Logger:           r.logger,
		}),
	}
}

// Backend returns the handle for a backend name, for state inspection.
func (r *Router) backend(name string) (*backendHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.backends[name]
	return h, ok
}

// CircuitState reports a backend's circuit state ("closed", "open",
// "half_open"), or "" for an unknown backend.
func (r *Router) CircuitState(backendName string) string {
	h, ok := r.backend(backendName)
	if !ok {
		return ""
	}
	return h.breaker.State().String()
}

// attemptRecord preserves one failed candidate's cause for the
// all_providers_failed error detail.
type attemptRecord struct {
	Backend string `json:"backend"`
	Native  string `json:"native_id"`
	Outcome string `json:"outcome"`
	Cause   string `json:"cause,omitempty"`
}

// Dispatch resolves a logical model id and executes one chat completion,
// honoring rate limits and circuit breakers, retrying transient failures,
// and walking the failover chain when the primary cannot serve.
func (r *Router) Dispatch(ctx context.Context, logicalID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ModelResponse, error) {
	if params == nil {
		params = &core.ChatParams{}
	}
	if params.CorrelationID == "" {
		params.CorrelationID = core.CorrelationIDFromContext(ctx)
	}
	correlationID := params.CorrelationID

	route, ok := r.cfg.RoutingTable[logicalID]
	if !ok {
		return nil, core.NewHiveError(core.CodeValidation,
			fmt.Sprintf("no route for logical model %q", logicalID),
			correlationID, core.ErrUnknownModel)
	}

	// Candidate order: primary first, then each fallback backend once.
	type candidate struct {
		backend  string
		nativeID string
	}
	candidates := []candidate{{route.Backend, route.NativeID}}
	for _, fb := range r.cfg.FallbackChain {
		if fb == route.Backend {
			continue
		}
		native, ok := r.substituteFor(fb, logicalID)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{fb, native})
	}

	var attempts []attemptRecord

	for _, cand := range candidates {
		handle, ok := r.backend(cand.backend)
		if !ok {
			attempts = append(attempts, attemptRecord{
				Backend: cand.backend, Native: cand.nativeID,
				Outcome: "skipped", Cause: "backend not configured",
			})
			continue
		}

		resp, rec, err := r.tryBackend(ctx, handle, cand.nativeID, messages, params)
		attempts = append(attempts, rec...)
		if err == nil {
			return resp, nil
		}
		if core.IsCancelled(err) {
			return nil, err
		}
		// Otherwise fall through to the next candidate.
	}

	hiveErr := core.NewHiveError(core.CodeAllProvidersFailed,
		fmt.Sprintf("no backend could serve logical model %q", logicalID),
		correlationID, core.ErrAllProvidersFailed)
	hiveErr.WithDetail("attempted", attempts)

	r.logger.Error("All providers failed", map[string]interface{}{
		"operation":      "router_dispatch_failed",
		"logical_model":  logicalID,
		"attempts":       len(attempts),
		"correlation_id": correlationID,
	})
	return nil, hiveErr
}

// tryBackend runs the retry loop against one backend. It returns the
// attempt records it produced so total failures preserve per-backend causes.
func (r *Router) tryBackend(ctx context.Context, handle *backendHandle, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ModelResponse, []attemptRecord, error) {
	var records []attemptRecord
	correlationID := params.CorrelationID

	if !handle.breaker.CanExecute() {
		records = append(records, attemptRecord{
			Backend: handle.name, Native: nativeID,
			Outcome: "skipped", Cause: "circuit open",
		})
		r.recordTrace(correlationID, handle.name, nativeID, 0, 0, "skipped")
		return nil, records, core.NewHiveError(core.CodeCircuitOpen,
			"backend temporarily unavailable", correlationID, core.ErrCircuitOpen)
	}

	// Rate limit admission precedes every provider call, retries included:
	// each attempt spends its own token so retries can never push a backend
	// past its rpm ceiling. no_wait callers fail over instead of waiting.
	acquire := func() error {
		if params.NoWait {
			if handle.bucket.TryAcquire() {
				return nil
			}
			return core.NewHiveError(core.CodeRateLimited,
				"backend at rpm ceiling", correlationID, core.ErrRateLimited)
		}
		return handle.bucket.Acquire(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := acquire(); err != nil {
			handle.breaker.RecordCancelled()
			if errors.Is(err, core.ErrRateLimited) {
				records = append(records, attemptRecord{
					Backend: handle.name, Native: nativeID,
					Outcome: "rate_limited", Cause: "rpm ceiling reached",
				})
				r.recordTrace(correlationID, handle.name, nativeID, attempt, 0, "rate_limited")
			}
			return nil, records, err
		}

		start := time.Now()
		result, err := handle.client.ChatCompletion(ctx, nativeID, messages, params)
		latency := time.Since(start)

		if err == nil {
			handle.breaker.RecordSuccess()
			r.recordTrace(correlationID, handle.name, nativeID, attempt, latency, "success")
			return &core.ModelResponse{
				ModelID: nativeID,
				Content: result.Content,
				Tokens: core.TokenUsage{
					PromptTokens:     result.TokensIn,
					CompletionTokens: result.TokensOut,
					TotalTokens:      result.TokensIn + result.TokensOut,
				},
				LatencyMS:     latency.Milliseconds(),
				CorrelationID: correlationID,
			}, records, nil
		}
		lastErr = err

		if core.IsCancelled(err) || errors.Is(err, context.Canceled) {
			handle.breaker.RecordCancelled()
			r.recordTrace(correlationID, handle.name, nativeID, attempt, latency, "cancelled")
			return nil, records, core.NewHiveError(core.CodeCancelled, "request cancelled",
				correlationID, core.ErrCancelled)
		}

		switch {
		case core.IsRateLimited(err):
			// Throttling is not a circuit-opening failure.
			r.recordTrace(correlationID, handle.name, nativeID, attempt, latency, "rate_limited")
			records = append(records, attemptRecord{
				Backend: handle.name, Native: nativeID, Outcome: "rate_limited", Cause: err.Error(),
			})
			if attempt == r.cfg.MaxRetries {
				handle.breaker.RecordCancelled()
				return nil, records, err
			}
			if wait := retryAfterOf(err); wait > 0 {
				if serr := r.sleep(ctx, wait); serr != nil {
					handle.breaker.RecordCancelled()
					return nil, records, core.NewHiveError(core.CodeCancelled, "request cancelled",
						correlationID, core.ErrCancelled)
				}
			} else if serr := r.backoff.Wait(ctx, attempt); serr != nil {
				handle.breaker.RecordCancelled()
				return nil, records, core.NewHiveError(core.CodeCancelled, "request cancelled",
					correlationID, core.ErrCancelled)
			}

		case core.IsPermanent(err):
			handle.breaker.RecordCancelled()
			r.recordTrace(correlationID, handle.name, nativeID, attempt, latency, "error")
			records = append(records, attemptRecord{
				Backend: handle.name, Native: nativeID, Outcome: "permanent_error", Cause: err.Error(),
			})
			return nil, records, err

		default: // transient: 5xx, network, timeout
			handle.breaker.RecordFailure()
			r.recordTrace(correlationID, handle.name, nativeID, attempt, latency, "error")
			records = append(records, attemptRecord{
				Backend: handle.name, Native: nativeID, Outcome: "transient_error", Cause: err.Error(),
			})
			if attempt == r.cfg.MaxRetries {
				return nil, records, err
			}
			if !handle.breaker.CanExecute() {
				// The failures just opened the circuit; stop retrying here.
				return nil, records, core.NewHiveError(core.CodeCircuitOpen,
					"backend temporarily unavailable", correlationID, core.ErrCircuitOpen)
			}
			if serr := r.backoff.Wait(ctx, attempt); serr != nil {
				return nil, records, core.NewHiveError(core.CodeCancelled, "request cancelled",
					correlationID, core.ErrCancelled)
			}
		}
	}

	return nil, records, lastErr
}

// Call is the single-prompt convenience the strategies use.
func (r *Router) Call(ctx context.Context, logicalID, prompt string) (*core.ModelResponse, error) {
	return r.Dispatch(ctx, logicalID,
		[]core.ChatMessage{{Role: "user", Content: prompt}}, nil)
}

// ListModels returns a backend's model list, served from the discovery
// cache when fresh. Only this idempotent read is ever cached.
func (r *Router) ListModels(ctx context.Context, backendName string) ([]core.ModelInfo, error) {
	if models, ok := r.cache.Get(ctx, backendName); ok {
		return models, nil
	}

	handle, ok := r.backend(backendName)
	if !ok {
		return nil, core.NewHiveError(core.CodeValidation,
			fmt.Sprintf("unknown backend %q", backendName),
			core.CorrelationIDFromContext(ctx), core.ErrUnknownModel)
	}

	models, err := handle.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, backendName, models)
	return models, nil
}

func (r *Router) substituteFor(backend, logicalID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.substitutes[backend]
	if !ok {
		return "", false
	}
	native, ok := table[logicalID]
	return native, ok
}

func (r *Router) recordTrace(correlationID, backend, native string, attempt int, latency time.Duration, outcome string) {
	r.sink.RecordCall(core.CallTrace{
		CorrelationID: correlationID,
		Backend:       backend,
		Model:         native,
		Attempt:       attempt,
		Latency:       latency,
		Outcome:       outcome,
		Stage:         "dispatch",
	})
}

func retryAfterOf(err error) time.Duration {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
