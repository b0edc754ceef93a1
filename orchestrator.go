// Package llmhive is the engine's entry point. An Orchestrator takes one
// request, selects an ensemble of models, runs a reasoning strategy
// through the provider router, resolves disagreements via consensus, and
// optionally refines the answer against the verification pipeline.
package llmhive

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/llmhive/llmhive/cascade"
	"github.com/llmhive/llmhive/consensus"
	"github.com/llmhive/llmhive/core"
	"github.com/llmhive/llmhive/refine"
	"github.com/llmhive/llmhive/router"
	"github.com/llmhive/llmhive/selector"
	"github.com/llmhive/llmhive/strategy"
	"github.com/llmhive/llmhive/telemetry"
	"github.com/llmhive/llmhive/verify"
)

// Caller issues one model call. *router.Router satisfies this; tests
// inject stubs.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error)
}

// Answer is the engine's final output for one request.
type Answer struct {
	Content           string               `json:"content"`
	Confidence        float64              `json:"confidence"`
	StrategyUsed      string               `json:"strategy_used"`
	ConsensusStrategy string               `json:"consensus_strategy,omitempty"`
	ModelsUsed        []string             `json:"models_used"`
	Verified          bool                 `json:"verified"`
	CorrelationID     string               `json:"correlation_id"`
	LatencyMS         int64                `json:"latency_ms"`
	Refinement        *refine.Outcome      `json:"refinement,omitempty"`
	Cascade           *cascade.RouteResult `json:"cascade,omitempty"`
	Traces            []core.CallTrace     `json:"traces,omitempty"`
}

// Orchestrator wires the engine's components behind a single Process call.
// Safe for concurrent use; all per-request state is request-local.
type Orchestrator struct {
	cfg    *core.Config
	logger core.Logger
	caller Caller

	selector   *selector.Selector
	strategies *strategy.Controller
	consensus  *consensus.Manager
	cascader   *cascade.Router
	refiner    *refine.Loop
	verifier   *verify.Pipeline

	memory *telemetry.MemorySink
	sink   core.TelemetrySink

	profileIDs   []string
	profiles     []core.ModelProfile
	cascadeTiers map[int][]string
	codingPref   []string
	factChecker  core.FactChecker
	codeRunner   verify.CodeRunner
	maxModels    int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig supplies the engine configuration, used to build the provider
// router when no Caller is injected.
func WithConfig(cfg *core.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithCaller injects the model-call path, bypassing router construction.
func WithCaller(caller Caller) Option {
	return func(o *Orchestrator) { o.caller = caller }
}

// WithProfiles seeds the model selector.
func WithProfiles(profiles ...core.ModelProfile) Option {
	return func(o *Orchestrator) { o.profiles = append(o.profiles, profiles...) }
}

// WithTelemetrySink forwards engine events to an external sink in addition
// to the in-memory trace buffer.
func WithTelemetrySink(sink core.TelemetrySink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithFactChecker enables external evidence lookups during verification
// and refinement.
func WithFactChecker(checker core.FactChecker) Option {
	return func(o *Orchestrator) { o.factChecker = checker }
}

// WithCodeRunner enables sandboxed execution during code verification.
func WithCodeRunner(runner verify.CodeRunner) Option {
	return func(o *Orchestrator) { o.codeRunner = runner }
}

// WithCascadeTier sets one cascade tier's ordered model list. Speed-mode
// requests route through the cascade only when tiers are configured.
func WithCascadeTier(tier int, models ...string) Option {
	return func(o *Orchestrator) { o.cascadeTiers[tier] = models }
}

// WithCodingPreference sets the cascade's coding-task override models.
func WithCodingPreference(models ...string) Option {
	return func(o *Orchestrator) { o.codingPref = models }
}

// WithMaxModels caps the ensemble size.
func WithMaxModels(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxModels = n
		}
	}
}

// New creates an Orchestrator. Either WithCaller or a config with enabled
// backends is required.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:       &core.NoOpLogger{},
		memory:       telemetry.NewMemorySink(),
		cascadeTiers: make(map[int][]string),
		maxModels:    5,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.sink != nil {
		o.sink = telemetry.NewFanoutSink(o.memory, o.sink)
	} else {
		o.sink = o.memory
	}

	if o.caller == nil {
		if o.cfg == nil {
			return nil, core.NewHiveError(core.CodeValidation,
				"either a caller or a backend configuration is required", "",
				core.ErrMissingConfiguration)
		}
		routerOpts := []router.RouterOption{
			router.WithLogger(o.logger),
			router.WithTelemetrySink(o.sink),
		}
		if o.cfg.RedisURL != "" {
			cache, err := router.NewRedisModelCache(o.cfg.RedisURL, o.cfg.DiscoveryCacheTTL, o.logger)
			if err != nil {
				return nil, err
			}
			routerOpts = append(routerOpts, router.WithModelCache(cache))
		}
		r, err := router.New(o.cfg, routerOpts...)
		if err != nil {
			return nil, err
		}
		o.caller = r
	}

	o.selector = selector.New(o.profiles, selector.WithLogger(o.logger))
	for _, p := range o.profiles {
		o.profileIDs = append(o.profileIDs, p.ModelID)
	}

	strategyOpts := []strategy.ControllerOption{strategy.WithLogger(o.logger)}
	consensusOpts := []consensus.ManagerOption{
		consensus.WithLogger(o.logger),
		consensus.WithTelemetrySink(o.sink),
	}
	if o.cfg != nil {
		strategyOpts = append(strategyOpts,
			strategy.WithSamples(o.cfg.DefaultSamples),
			strategy.WithMaxDepth(o.cfg.MaxDepth),
			strategy.WithConfidenceThreshold(o.cfg.ConfidenceThreshold))
		consensusOpts = append(consensusOpts,
			consensus.WithMaxDebateRounds(o.cfg.MaxDebateRounds),
			consensus.WithConsensusThreshold(o.cfg.ConsensusThreshold))
	}
	o.strategies = strategy.NewController(o.caller, strategyOpts...)
	o.consensus = consensus.NewManager(o.caller, consensusOpts...)

	verifyOpts := []verify.PipelineOption{verify.WithLogger(o.logger), verify.WithFixErrors(true)}
	if o.factChecker != nil {
		verifyOpts = append(verifyOpts, verify.WithFactChecker(o.factChecker))
	}
	if o.codeRunner != nil {
		verifyOpts = append(verifyOpts, verify.WithCodeRunner(o.codeRunner))
	}
	o.verifier = verify.NewPipeline(verifyOpts...)

	refineOpts := []refine.LoopOption{
		refine.WithLogger(o.logger),
		refine.WithTelemetrySink(o.sink),
	}
	if o.factChecker != nil {
		refineOpts = append(refineOpts, refine.WithFactChecker(o.factChecker))
	}
	if o.cfg != nil {
		refineOpts = append(refineOpts, refine.WithBudget(
			o.cfg.MaxIterations, o.cfg.ConvergenceThreshold, o.cfg.MinImprovement, o.cfg.StagnationTolerance))
	}
	o.refiner = refine.New(o.caller, o.verifier, refineOpts...)

	if len(o.cascadeTiers) > 0 {
		cascadeOpts := []cascade.RouterOption{cascade.WithLogger(o.logger)}
		for tier, models := range o.cascadeTiers {
			cascadeOpts = append(cascadeOpts, cascade.WithTier(tier, models...))
		}
		if len(o.codingPref) > 0 {
			cascadeOpts = append(cascadeOpts, cascade.WithCodingPreference(o.codingPref...))
		}
		if o.cfg != nil {
			cascadeOpts = append(cascadeOpts, cascade.WithEscalationPolicy(
				o.cfg.MinConfidenceToProceed, o.cfg.MaxEscalations))
		}
		o.cascader = cascade.New(o.caller, cascadeOpts...)
	}

	return o, nil
}

// Selector exposes the model selector, e.g. for registering profiles
// discovered after startup.
func (o *Orchestrator) Selector() *selector.Selector { return o.selector }

// Traces returns the recorded call traces for one correlation ID.
func (o *Orchestrator) Traces(correlationID string) []core.CallTrace {
	return o.memory.CallsFor(correlationID)
}

// Ask answers a query with balanced defaults.
func (o *Orchestrator) Ask(ctx context.Context, query string) (string, error) {
	answer, err := o.Process(ctx, core.Request{
		Query:         query,
		TaskCategory:  core.TaskConversation,
		AccuracyLevel: 3,
		Mode:          core.ModeBalanced,
	})
	if err != nil {
		return "", err
	}
	return answer.Content, nil
}

// Process runs one request through the engine.
func (o *Orchestrator) Process(ctx context.Context, req core.Request) (*Answer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, core.NewHiveError(core.CodeValidation, "empty query",
			req.CorrelationID, core.ErrEmptyQuery)
	}
	if req.Mode == "" {
		req.Mode = core.ModeBalanced
	}
	if req.TaskCategory == "" {
		req.TaskCategory = core.TaskConversation
	}
	if req.AccuracyLevel < 1 {
		req.AccuracyLevel = 3
	}
	if req.AccuracyLevel > 5 {
		req.AccuracyLevel = 5
	}
	if req.CorrelationID == "" {
		req.CorrelationID = core.NewCorrelationID()
	}
	ctx = core.WithCorrelationID(ctx, req.CorrelationID)
	start := time.Now()

	o.logger.Info("Processing request", map[string]interface{}{
		"operation":      "process",
		"correlation_id": req.CorrelationID,
		"category":       string(req.TaskCategory),
		"mode":           string(req.Mode),
		"accuracy_level": req.AccuracyLevel,
	})

	if req.Mode == core.ModeSpeed && o.cascader != nil {
		return o.processCascade(ctx, req, start)
	}

	available := req.AvailableModelIDs
	if len(available) == 0 {
		available = o.profileIDs
	}
	models, err := o.selector.SelectEnsemble(available, req.TaskCategory,
		optimizeFor(req.Mode), ensembleSize(req, o.maxModels))
	if err != nil {
		return nil, core.NewHiveError(core.CodeValidation, "no usable models for request",
			req.CorrelationID, err)
	}

	result, err := o.strategies.Execute(ctx, "", req.Query, req.TaskCategory, req.Mode, models)
	if err != nil {
		for _, m := range models {
			o.selector.RecordOutcome(m, false)
		}
		return nil, err
	}

	answer := &Answer{
		Content:       result.Answer,
		Confidence:    result.Confidence,
		StrategyUsed:  result.StrategyUsed,
		ModelsUsed:    result.ModelsUsed,
		Verified:      result.Verified,
		CorrelationID: req.CorrelationID,
	}

	if wantsConsensus(req) && len(models) >= 2 {
		if err := o.applyConsensus(ctx, req, models, result, answer); err != nil {
			return nil, err
		}
	}

	if wantsRefinement(req) {
		outcome, err := o.refiner.Run(ctx, req.Query, answer.Content, models)
		if err != nil {
			return nil, err
		}
		answer.Refinement = outcome
		answer.Content = outcome.FinalAnswer
		answer.Confidence = outcome.FinalScore
		answer.Verified = outcome.FinalStatus == refine.StatusPassed
	} else if req.AccuracyLevel >= 3 {
		check := o.verifier.Verify(ctx, req.Query, answer.Content)
		answer.Content = check.FinalAnswer
		answer.Verified = len(check.Issues) == 0
		if check.Confidence < answer.Confidence {
			answer.Confidence = check.Confidence
		}
	}

	for _, m := range answer.ModelsUsed {
		o.selector.RecordOutcome(m, true)
	}

	answer.LatencyMS = time.Since(start).Milliseconds()
	answer.Traces = o.memory.CallsFor(req.CorrelationID)
	return answer, nil
}

// processCascade serves speed-mode requests through the tiered cascade.
func (o *Orchestrator) processCascade(ctx context.Context, req core.Request, start time.Time) (*Answer, error) {
	result, err := o.cascader.Route(ctx, req.Query, req.TaskCategory)
	if err != nil {
		return nil, err
	}
	o.selector.RecordOutcome(result.ModelUsed, true)
	return &Answer{
		Content:       result.Response,
		Confidence:    result.Confidence,
		StrategyUsed:  "cascade",
		ModelsUsed:    []string{result.ModelUsed},
		CorrelationID: req.CorrelationID,
		LatencyMS:     time.Since(start).Milliseconds(),
		Cascade:       result,
		Traces:        o.memory.CallsFor(req.CorrelationID),
	}, nil
}

// applyConsensus collects one response per ensemble model, seeds the set
// with the strategy's answer, and resolves disagreements.
func (o *Orchestrator) applyConsensus(ctx context.Context, req core.Request, models []string, result *strategy.Result, answer *Answer) error {
	responses := []core.ModelResponse{{
		ModelID:       models[0],
		Content:       result.Answer,
		RawConfidence: result.Confidence,
		CorrelationID: req.CorrelationID,
	}}
	responses = append(responses, o.gatherResponses(ctx, req.Query, models[1:])...)
	if len(responses) < 2 {
		return nil // peers all failed; keep the strategy answer
	}

	resolved, err := o.consensus.Resolve(ctx, req.TaskCategory, responses)
	if err != nil {
		return err
	}
	answer.Content = resolved.FinalAnswer
	answer.Confidence = resolved.Score.Overall
	answer.ConsensusStrategy = resolved.StrategyUsed
	answer.ModelsUsed = dedupe(append(answer.ModelsUsed, resolved.ParticipatingModels...))
	return nil
}

// gatherResponses queries models concurrently, dropping failures.
func (o *Orchestrator) gatherResponses(ctx context.Context, query string, models []string) []core.ModelResponse {
	type slot struct {
		resp *core.ModelResponse
		err  error
	}
	slots := make([]slot, len(models))
	var wg sync.WaitGroup
	for i, m := range models {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			resp, err := o.caller.Call(ctx, m, query)
			slots[i] = slot{resp, err}
		}(i, m)
	}
	wg.Wait()

	out := make([]core.ModelResponse, 0, len(models))
	for i, s := range slots {
		if s.err != nil {
			o.selector.RecordOutcome(models[i], false)
			o.logger.Warn("Ensemble member failed", map[string]interface{}{
				"operation": "gather_responses",
				"model_id":  models[i],
				"error":     s.err.Error(),
			})
			continue
		}
		out = append(out, *s.resp)
	}
	return out
}

// ensembleSize maps the accuracy level to a model count, capped by the
// orchestrator's maximum. Accuracy-first modes use at least three.
func ensembleSize(req core.Request, maxModels int) int {
	n := req.AccuracyLevel
	if (req.Mode == core.ModeAccuracy || req.Mode == core.ModeBenchmark) && n < 3 {
		n = 3
	}
	if n > maxModels {
		n = maxModels
	}
	return n
}

// optimizeFor maps the request mode onto the selector's axis.
func optimizeFor(mode core.Mode) selector.OptimizeFor {
	if mode == core.ModeSpeed {
		return selector.OptimizeSpeed
	}
	return selector.OptimizeQuality
}

// wantsConsensus reports whether the request's mode merits cross-model
// consensus on top of the strategy result.
func wantsConsensus(req core.Request) bool {
	return req.Mode == core.ModeAccuracy || req.Mode == core.ModeBenchmark || req.AccuracyLevel >= 4
}

// wantsRefinement reports whether the answer enters the refinement loop.
func wantsRefinement(req core.Request) bool {
	return req.Mode == core.ModeBenchmark || req.AccuracyLevel >= 4
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
