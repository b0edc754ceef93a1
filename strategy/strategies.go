package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/llmhive/llmhive/core"
)

const cotInstruction = "Think through this step by step, then state your final answer on a line starting with \"Final answer:\".\n\n"

// direct issues a single plain call.
func (c *Controller) direct(ctx context.Context, query string, models []string) (*Result, error) {
	resp, err := c.caller.Call(ctx, models[0], query)
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer:     resp.Content,
		Confidence: 0.7,
		ModelsUsed: []string{resp.ModelID},
	}, nil
}

// chainOfThought issues one call with a step-by-step instruction and
// extracts the concluding answer.
func (c *Controller) chainOfThought(ctx context.Context, query string, models []string) (*Result, error) {
	resp, err := c.caller.Call(ctx, models[0], cotInstruction+query)
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer:         extractFinalAnswer(resp.Content),
		Confidence:     0.8,
		ReasoningTrace: resp.Content,
		ModelsUsed:     []string{resp.ModelID},
	}, nil
}

// sample is one parallel generation's outcome.
type sample struct {
	answer  string
	modelID string
	trace   string
	err     error
}

// gatherSamples launches n calls concurrently, distributing them
// round-robin over the models, and collects every outcome.
func (c *Controller) gatherSamples(ctx context.Context, query string, models []string, n int) []sample {
	out := make([]sample, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			modelID := models[i%len(models)]
			resp, err := c.caller.Call(ctx, modelID, query)
			if err != nil {
				out[i] = sample{err: err, modelID: modelID}
				return
			}
			out[i] = sample{
				answer:  extractFinalAnswer(resp.Content),
				modelID: resp.ModelID,
				trace:   resp.Content,
			}
		}(i)
	}
	wg.Wait()
	return out
}

// selfConsistency samples the same chain-of-thought prompt n times and
// majority-votes the normalized answers. Confidence is the plurality share.
func (c *Controller) selfConsistency(ctx context.Context, query string, models []string, n int) (*Result, error) {
	if n < 1 {
		n = 1
	}
	samples := c.gatherSamples(ctx, cotInstruction+query, models, n)

	type group struct {
		count    int
		original string
	}
	groups := make(map[string]*group)
	var used []string
	succeeded := 0
	for _, s := range samples {
		if s.err != nil {
			continue
		}
		succeeded++
		used = append(used, s.modelID)
		norm := normalizeAnswer(s.answer)
		if g, ok := groups[norm]; ok {
			g.count++
		} else {
			groups[norm] = &group{count: 1, original: s.answer}
		}
	}
	if succeeded == 0 {
		return nil, core.NewHiveError(core.CodePlanning, "every self-consistency sample failed",
			core.CorrelationIDFromContext(ctx), core.ErrPlanning)
	}

	var winnerNorm string
	var winner *group
	for norm, g := range groups {
		if winner == nil || g.count > winner.count ||
			(g.count == winner.count && norm < winnerNorm) {
			winner, winnerNorm = g, norm
		}
	}

	alternatives := make([]string, 0, len(groups))
	for _, g := range groups {
		alternatives = append(alternatives, g.original)
	}
	sort.Slice(alternatives, func(i, j int) bool {
		gi, gj := groups[normalizeAnswer(alternatives[i])], groups[normalizeAnswer(alternatives[j])]
		if gi.count != gj.count {
			return gi.count > gj.count
		}
		return alternatives[i] < alternatives[j]
	})

	return &Result{
		Answer:                 winner.original,
		Confidence:             float64(winner.count) / float64(succeeded),
		AlternativesConsidered: alternatives,
		ModelsUsed:             dedupe(used),
	}, nil
}

// treeOfThoughts brainstorms approaches, expands and self-scores each, and
// answers from the best-scored reasoning trace.
func (c *Controller) treeOfThoughts(ctx context.Context, query string, models []string) (*Result, error) {
	brainstorm, err := c.caller.Call(ctx, models[0],
		fmt.Sprintf("List up to %d distinct approaches to solving the following problem, one per line.\n\n%s", c.maxDepth, query))
	if err != nil {
		return nil, err
	}
	approaches := parseApproachLines(brainstorm.Content, c.maxDepth)
	if len(approaches) == 0 {
		approaches = []string{"solve it directly"}
	}

	type scored struct {
		trace string
		score float64
		err   error
	}
	results := make([]scored, len(approaches))
	var wg sync.WaitGroup
	for i, approach := range approaches {
		wg.Add(1)
		go func(i int, approach string) {
			defer wg.Done()
			prompt := fmt.Sprintf(
				"Problem:\n%s\n\nWork through it using this approach: %s\nEnd with \"Score: N\" rating your own reasoning from 1 to 10.",
				query, approach)
			resp, err := c.caller.Call(ctx, models[i%len(models)], prompt)
			if err != nil {
				results[i] = scored{err: err}
				return
			}
			results[i] = scored{trace: resp.Content, score: parseSelfRating(resp.Content)}
		}(i, approach)
	}
	wg.Wait()

	best := -1
	for i, r := range results {
		if r.err != nil {
			continue
		}
		if best == -1 || r.score > results[best].score {
			best = i
		}
	}
	if best == -1 {
		return nil, core.NewHiveError(core.CodePlanning, "every tree-of-thoughts branch failed",
			core.CorrelationIDFromContext(ctx), core.ErrPlanning)
	}

	final, err := c.caller.Call(ctx, models[0],
		fmt.Sprintf("Given this reasoning:\n%s\n\nState the final answer to the original problem:\n%s", results[best].trace, query))
	if err != nil {
		return nil, err
	}

	return &Result{
		Answer:                 extractFinalAnswer(final.Content),
		Confidence:             results[best].score / 10,
		ReasoningTrace:         results[best].trace,
		AlternativesConsidered: approaches,
		ModelsUsed:             models[:min(len(models), len(approaches))],
	}, nil
}

// reflection generates, critiques, and conditionally revises an answer.
func (c *Controller) reflection(ctx context.Context, query string, models []string) (*Result, error) {
	draft, err := c.caller.Call(ctx, models[0], query)
	if err != nil {
		return nil, err
	}

	criticModel := models[len(models)-1]
	critique, err := c.caller.Call(ctx, criticModel,
		fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s\n\nList any problems with this answer. If it is sound, say so.", query, draft.Content))
	if err != nil {
		return nil, err
	}

	if !critiqueFoundIssues(critique.Content) {
		return &Result{
			Answer:         draft.Content,
			Confidence:     0.90,
			ReasoningTrace: critique.Content,
			ModelsUsed:     dedupe([]string{draft.ModelID, critique.ModelID}),
			Verified:       true,
		}, nil
	}

	improved, err := c.caller.Call(ctx, models[0],
		fmt.Sprintf("Question:\n%s\n\nYour previous answer:\n%s\n\nA reviewer found these problems:\n%s\n\nWrite an improved answer.", query, draft.Content, critique.Content))
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer:         improved.Content,
		Confidence:     0.85,
		ReasoningTrace: critique.Content,
		ModelsUsed:     dedupe([]string{draft.ModelID, critique.ModelID, improved.ModelID}),
	}, nil
}

// debate has up to three models state positions, rebut each other, and a
// judge pick the strongest.
func (c *Controller) debate(ctx context.Context, query string, models []string) (*Result, error) {
	debaters := models
	if len(debaters) > 3 {
		debaters = debaters[:3]
	}

	positions := make([]string, len(debaters))
	var wg sync.WaitGroup
	errs := make([]error, len(debaters))
	for i, m := range debaters {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			resp, err := c.caller.Call(ctx, m, "State your position on the following question, with your strongest supporting argument.\n\n"+query)
			if err != nil {
				errs[i] = err
				return
			}
			positions[i] = resp.Content
		}(i, m)
	}
	wg.Wait()
	if err := firstNonNil(errs); err != nil && allFailed(positions) {
		return nil, err
	}

	rebuttals := make([]string, len(debaters))
	for i, m := range debaters {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			var b strings.Builder
			b.WriteString("Question:\n" + query + "\n\nYour position:\n" + positions[i] + "\n\nOpposing positions:\n")
			for j, p := range positions {
				if j == i || p == "" {
					continue
				}
				b.WriteString("- " + p + "\n")
			}
			b.WriteString("\nRespond to the opposing positions and restate your conclusion.")
			resp, err := c.caller.Call(ctx, m, b.String())
			if err != nil {
				rebuttals[i] = positions[i] // keep the original position
				return
			}
			rebuttals[i] = resp.Content
		}(i, m)
	}
	wg.Wait()

	var b strings.Builder
	b.WriteString("You are judging a debate on:\n" + query + "\n\n")
	for i, r := range rebuttals {
		if r == "" {
			continue
		}
		fmt.Fprintf(&b, "Debater %d:\n%s\n\n", i+1, r)
	}
	b.WriteString("Select the strongest argument and state the final answer.")
	verdict, err := c.caller.Call(ctx, debaters[0], b.String())
	if err != nil {
		return nil, err
	}

	return &Result{
		Answer:                 verdict.Content,
		Confidence:             0.85,
		AlternativesConsidered: nonEmpty(rebuttals),
		ModelsUsed:             debaters,
	}, nil
}

// stepVerify solves step by step, has a verifier check the work, and
// re-solves with the critique when the verifier finds errors.
func (c *Controller) stepVerify(ctx context.Context, query string, models []string) (*Result, error) {
	solution, err := c.caller.Call(ctx, models[0],
		"Solve the following step by step, showing each step.\n\n"+query)
	if err != nil {
		return nil, err
	}

	verifierModel := models[len(models)-1]
	check, err := c.caller.Call(ctx, verifierModel,
		fmt.Sprintf("Problem:\n%s\n\nProposed solution:\n%s\n\nCheck each step for errors. If all steps are correct, say \"all steps correct\".", query, solution.Content))
	if err != nil {
		return nil, err
	}

	if !critiqueFoundIssues(check.Content) {
		return &Result{
			Answer:         extractFinalAnswer(solution.Content),
			Confidence:     0.95,
			ReasoningTrace: solution.Content,
			ModelsUsed:     dedupe([]string{solution.ModelID, check.ModelID}),
			Verified:       true,
		}, nil
	}

	resolved, err := c.caller.Call(ctx, models[0],
		fmt.Sprintf("Problem:\n%s\n\nYour previous solution:\n%s\n\nA verifier found these errors:\n%s\n\nSolve again, correcting them.", query, solution.Content, check.Content))
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer:         extractFinalAnswer(resolved.Content),
		Confidence:     0.75,
		ReasoningTrace: resolved.Content,
		ModelsUsed:     dedupe([]string{solution.ModelID, check.ModelID, resolved.ModelID}),
	}, nil
}

// progressive escalates through increasingly thorough strategies, stopping
// at the first result that clears the confidence threshold.
func (c *Controller) progressive(ctx context.Context, query string, models []string) (*Result, error) {
	type stage struct {
		name string
		run  func() (*Result, error)
	}
	stages := []stage{
		{StrategyDirect, func() (*Result, error) { return c.direct(ctx, query, models) }},
		{StrategyChainOfThought, func() (*Result, error) { return c.chainOfThought(ctx, query, models) }},
		{StrategySelfConsistency, func() (*Result, error) { return c.selfConsistency(ctx, query, models, 3) }},
		{StrategyTreeOfThoughts, func() (*Result, error) { return c.treeOfThoughts(ctx, query, models) }},
	}

	var last *Result
	var lastErr error
	for _, st := range stages {
		result, err := st.run()
		if err != nil {
			lastErr = err
			continue
		}
		result.ReasoningTrace = strings.TrimSpace(result.ReasoningTrace + "\n[deepened to " + st.name + "]")
		last = result
		if result.Confidence >= c.confidenceThreshold {
			return result, nil
		}
	}
	if last == nil {
		return nil, lastErr
	}
	return last, nil
}

// bestOfN generates n candidates in parallel, self-rates each, and keeps
// the highest rated.
func (c *Controller) bestOfN(ctx context.Context, query string, models []string, n int) (*Result, error) {
	if n < 1 {
		n = 1
	}
	samples := c.gatherSamples(ctx, query, models, n)

	type rated struct {
		sample sample
		score  float64
	}
	var candidates []rated
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range samples {
		if s.err != nil {
			continue
		}
		wg.Add(1)
		go func(s sample) {
			defer wg.Done()
			resp, err := c.caller.Call(ctx, s.modelID,
				fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s\n\nRate this answer's quality from 1 to 10. Reply with \"Score: N\".", query, s.trace))
			score := 5.0
			if err == nil {
				score = parseSelfRating(resp.Content)
			}
			mu.Lock()
			candidates = append(candidates, rated{sample: s, score: score})
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	if len(candidates) == 0 {
		return nil, core.NewHiveError(core.CodePlanning, "every best-of-N generation failed",
			core.CorrelationIDFromContext(ctx), core.ErrPlanning)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].sample.answer < candidates[j].sample.answer
	})
	best := candidates[0]

	alternatives := make([]string, 0, len(candidates)-1)
	for _, r := range candidates[1:] {
		alternatives = append(alternatives, r.sample.answer)
	}
	var used []string
	for _, r := range candidates {
		used = append(used, r.sample.modelID)
	}

	return &Result{
		Answer:                 best.sample.trace,
		Confidence:             best.score / 10,
		AlternativesConsidered: alternatives,
		ModelsUsed:             dedupe(used),
	}, nil
}

// mixture runs chain-of-thought, self-consistency, and reflection
// concurrently and confidence-weights their answers by normalized form.
func (c *Controller) mixture(ctx context.Context, query string, models []string) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make([]outcome, 3)
	var wg sync.WaitGroup
	runners := []func() (*Result, error){
		func() (*Result, error) { return c.chainOfThought(ctx, query, models) },
		func() (*Result, error) { return c.selfConsistency(ctx, query, models, 3) },
		func() (*Result, error) { return c.reflection(ctx, query, models) },
	}
	for i, run := range runners {
		wg.Add(1)
		go func(i int, run func() (*Result, error)) {
			defer wg.Done()
			r, err := run()
			outcomes[i] = outcome{result: r, err: err}
		}(i, run)
	}
	wg.Wait()

	type group struct {
		weight   float64
		original string
	}
	groups := make(map[string]*group)
	total := 0.0
	var used []string
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		total += o.result.Confidence
		used = append(used, o.result.ModelsUsed...)
		norm := normalizeAnswer(o.result.Answer)
		if g, ok := groups[norm]; ok {
			g.weight += o.result.Confidence
		} else {
			groups[norm] = &group{weight: o.result.Confidence, original: o.result.Answer}
		}
	}
	if len(groups) == 0 {
		return nil, core.NewHiveError(core.CodePlanning, "every mixture component failed",
			core.CorrelationIDFromContext(ctx), core.ErrPlanning)
	}

	var winnerNorm string
	var winner *group
	for norm, g := range groups {
		if winner == nil || g.weight > winner.weight ||
			(g.weight == winner.weight && norm < winnerNorm) {
			winner, winnerNorm = g, norm
		}
	}

	confidence := winner.weight / total
	if confidence > 0.95 {
		confidence = 0.95
	}

	alternatives := make([]string, 0, len(groups))
	for _, g := range groups {
		alternatives = append(alternatives, g.original)
	}
	sort.Strings(alternatives)

	return &Result{
		Answer:                 winner.original,
		Confidence:             confidence,
		AlternativesConsidered: alternatives,
		ModelsUsed:             dedupe(used),
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func firstNonNil(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func allFailed(positions []string) bool {
	for _, p := range positions {
		if p != "" {
			return false
		}
	}
	return true
}

func nonEmpty(items []string) []string {
	var out []string
	for _, s := range items {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
