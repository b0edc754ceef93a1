// Package consensus merges multiple model responses into one answer using
// voting, merging, synthesis, best-of scoring, or multi-round debate.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/llmhive/llmhive/core"
)

// Strategy names as they appear in ConsensusResult.StrategyUsed.
const (
	StrategyVoting        = "voting"
	StrategyWeightedMerge = "weighted_merge"
	StrategySynthesize    = "synthesize"
	StrategyBestOf        = "best_of"
	StrategyDebate        = "debate"
)

// peerTruncateLen bounds how much of a peer's position each debater sees.
const peerTruncateLen = 300

// convergenceTokens and convergenceThreshold define debate convergence:
// positions agree when the Jaccard of their leading tokens reaches the
// threshold for every pair.
const (
	convergenceTokens    = 50
	convergenceThreshold = 0.8
)

// Caller issues one model call. The provider router satisfies this.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error)
}

// Manager resolves disagreement between model responses.
type Manager struct {
	caller Caller
	logger core.Logger
	sink   core.TelemetrySink

	maxDebateRounds    int
	agreementThreshold float64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithTelemetrySink sets the sink receiving consensus events.
func WithTelemetrySink(sink core.TelemetrySink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithMaxDebateRounds overrides the debate round budget.
func WithMaxDebateRounds(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxDebateRounds = n
		}
	}
}

// WithConsensusThreshold sets the minimum weighted agreement rate for a
// vote to stand. An inconclusive vote falls back to synthesis.
func WithConsensusThreshold(t float64) ManagerOption {
	return func(m *Manager) {
		if t > 0 && t <= 1 {
			m.agreementThreshold = t
		}
	}
}

// NewManager creates a consensus manager. The caller is used by strategies
// that need fresh model output (merge, synthesize, debate).
func NewManager(caller Caller, opts ...ManagerOption) *Manager {
	m := &Manager{
		caller:             caller,
		logger:             &core.NoOpLogger{},
		sink:               &core.NoOpSink{},
		maxDebateRounds:    2,
		agreementThreshold: 0.75,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelectStrategy picks a consensus strategy from task type, conflict
// severity, and response count.
func SelectStrategy(taskType core.TaskCategory, conflict ConflictSeverity, count int) string {
	switch {
	case taskType == core.TaskFactual && count >= 3 &&
		(conflict == ConflictNone || conflict == ConflictMinor):
		return StrategyVoting
	case conflict == ConflictMajor:
		return StrategyDebate
	case taskType == core.TaskCreative:
		return StrategyBestOf
	case taskType == core.TaskAnalysis:
		return StrategySynthesize
	default:
		return StrategyWeightedMerge
	}
}

// Resolve merges the responses into a single ConsensusResult.
func (m *Manager) Resolve(ctx context.Context, taskType core.TaskCategory, responses []core.ModelResponse) (*core.ConsensusResult, error) {
	if len(responses) == 0 {
		return nil, core.NewHiveError(core.CodeValidation, "no responses to resolve",
			core.CorrelationIDFromContext(ctx), core.ErrEmptyQuery)
	}
	if len(responses) == 1 {
		only := responses[0]
		return &core.ConsensusResult{
			FinalAnswer:         only.Content,
			StrategyUsed:        StrategyBestOf,
			ParticipatingModels: []string{only.ModelID},
			Score: core.ConsensusScore{
				Overall: confidenceOf(only), AgreementRate: 1,
				ConfidenceWeighted: confidenceOf(only), Quality: qualityScore(only.Content),
			},
		}, nil
	}

	texts := make([]string, len(responses))
	for i, r := range responses {
		texts[i] = r.Content
	}
	conflict := classifyConflict(meanPairwiseSimilarity(texts))
	strategy := SelectStrategy(taskType, conflict, len(responses))

	m.logger.Debug("Resolving consensus", map[string]interface{}{
		"operation": "consensus_resolve",
		"strategy":  strategy,
		"conflict":  string(conflict),
		"responses": len(responses),
	})

	var result *core.ConsensusResult
	var err error
	switch strategy {
	case StrategyVoting:
		result = m.vote(responses)
		if result.Score.AgreementRate < m.agreementThreshold {
			m.logger.Debug("Vote inconclusive, synthesizing instead", map[string]interface{}{
				"operation": "consensus_resolve",
				"agreement": result.Score.AgreementRate,
				"threshold": m.agreementThreshold,
			})
			result, err = m.synthesize(ctx, responses)
		}
	case StrategyBestOf:
		result = m.bestOf(responses)
	case StrategySynthesize:
		result, err = m.synthesize(ctx, responses)
	case StrategyDebate:
		result, err = m.debate(ctx, responses)
	default:
		result, err = m.weightedMerge(ctx, responses)
	}
	if err != nil {
		return nil, err
	}

	result.KeyAgreements, result.KeyDisagreements = extractKeyPoints(responses)

	m.sink.RecordConsensus(core.ConsensusEvent{
		CorrelationID: responses[0].CorrelationID,
		Strategy:      result.StrategyUsed,
		Participating: result.ParticipatingModels,
		Score:         result.Score.Overall,
	})
	return result, nil
}

func confidenceOf(r core.ModelResponse) float64 {
	if r.RawConfidence <= 0 {
		return 0.5
	}
	return r.RawConfidence
}

func participating(responses []core.ModelResponse) []string {
	out := make([]string, len(responses))
	for i, r := range responses {
		out[i] = r.ModelID
	}
	return out
}

// vote groups normalized answers and picks the group with the highest
// confidence-weighted count. Ties break on the lexically smallest
// normalized form, which keeps voting deterministic and idempotent.
func (m *Manager) vote(responses []core.ModelResponse) *core.ConsensusResult {
	type group struct {
		weight   float64
		original string // first original form seen
	}
	groups := make(map[string]*group)
	total := 0.0

	for _, r := range responses {
		norm := normalizeAnswer(r.Content)
		w := confidenceOf(r)
		total += w
		if g, ok := groups[norm]; ok {
			g.weight += w
		} else {
			groups[norm] = &group{weight: w, original: r.Content}
		}
	}

	var winnerNorm string
	var winner *group
	for norm, g := range groups {
		if winner == nil || g.weight > winner.weight ||
			(g.weight == winner.weight && norm < winnerNorm) {
			winner, winnerNorm = g, norm
		}
	}

	agreement := 0.0
	if total > 0 {
		agreement = winner.weight / total
	}
	return &core.ConsensusResult{
		FinalAnswer:         winner.original,
		StrategyUsed:        StrategyVoting,
		ParticipatingModels: participating(responses),
		Score: core.ConsensusScore{
			Overall:            agreement,
			AgreementRate:      agreement,
			ConfidenceWeighted: agreement,
			Quality:            qualityScore(winner.original),
		},
	}
}

// qualityScore is the best_of heuristic: reasonable length, visible
// structure, and confident phrasing score up; hedging scores down.
func qualityScore(text string) float64 {
	score := 0.5
	if n := len(text); n >= 100 && n <= 2000 {
		score += 0.1
	}
	for _, marker := range []string{"\n- ", "\n* ", "\n1.", "\n## ", "first", "second", "finally"} {
		if strings.Contains(strings.ToLower(text), marker) {
			score += 0.1
			break
		}
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"certainly", "definitely", "the answer is", "therefore"} {
		if strings.Contains(lower, marker) {
			score += 0.1
			break
		}
	}
	for _, hedge := range []string{"i'm not sure", "might be", "possibly", "i think", "perhaps"} {
		if strings.Contains(lower, hedge) {
			score -= 0.1
			break
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// bestOf returns the response with the highest heuristic quality.
func (m *Manager) bestOf(responses []core.ModelResponse) *core.ConsensusResult {
	best, bestScore := responses[0], -1.0
	for _, r := range responses {
		if s := qualityScore(r.Content); s > bestScore {
			best, bestScore = r, s
		}
	}
	return &core.ConsensusResult{
		FinalAnswer:         best.Content,
		StrategyUsed:        StrategyBestOf,
		ParticipatingModels: participating(responses),
		Score: core.ConsensusScore{
			Overall:            bestScore,
			AgreementRate:      meanPairwiseSimilarityOf(responses),
			ConfidenceWeighted: confidenceOf(best),
			Quality:            bestScore,
		},
	}
}

func meanPairwiseSimilarityOf(responses []core.ModelResponse) float64 {
	texts := make([]string, len(responses))
	for i, r := range responses {
		texts[i] = r.Content
	}
	return meanPairwiseSimilarity(texts)
}

// weightedMerge asks a model to merge the responses, preserving the facts
// of the highest-weighted ones.
func (m *Manager) weightedMerge(ctx context.Context, responses []core.ModelResponse) (*core.ConsensusResult, error) {
	var b strings.Builder
	b.WriteString("Merge the following answers into one. Where they disagree, prefer facts from higher-weighted answers.\n\n")
	for i, r := range responses {
		weight := confidenceOf(r) * qualityScore(r.Content)
		fmt.Fprintf(&b, "Answer %d (weight %.2f):\n%s\n\n", i+1, weight, r.Content)
	}
	b.WriteString("Merged answer:")

	merged, err := m.caller.Call(ctx, responses[0].ModelID, b.String())
	if err != nil {
		return nil, err
	}
	return &core.ConsensusResult{
		FinalAnswer:         merged.Content,
		StrategyUsed:        StrategyWeightedMerge,
		ParticipatingModels: participating(responses),
		Score: core.ConsensusScore{
			Overall:            averageConfidence(responses),
			AgreementRate:      meanPairwiseSimilarityOf(responses),
			ConfidenceWeighted: averageConfidence(responses),
			Quality:            qualityScore(merged.Content),
		},
	}, nil
}

// synthesize asks a model to unify the responses presented as labeled
// perspectives.
func (m *Manager) synthesize(ctx context.Context, responses []core.ModelResponse) (*core.ConsensusResult, error) {
	var b strings.Builder
	b.WriteString("Several perspectives on the same question follow. Produce one unified answer that reconciles them.\n\n")
	for i, r := range responses {
		fmt.Fprintf(&b, "Perspective %c:\n%s\n\n", 'A'+i, r.Content)
	}
	b.WriteString("Unified answer:")

	unified, err := m.caller.Call(ctx, responses[0].ModelID, b.String())
	if err != nil {
		return nil, err
	}
	return &core.ConsensusResult{
		FinalAnswer:         unified.Content,
		StrategyUsed:        StrategySynthesize,
		ParticipatingModels: participating(responses),
		Score: core.ConsensusScore{
			Overall:            averageConfidence(responses),
			AgreementRate:      meanPairwiseSimilarityOf(responses),
			ConfidenceWeighted: averageConfidence(responses),
			Quality:            qualityScore(unified.Content),
		},
	}, nil
}

func averageConfidence(responses []core.ModelResponse) float64 {
	if len(responses) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range responses {
		sum += confidenceOf(r)
	}
	return sum / float64(len(responses))
}

// debate runs up to maxDebateRounds of position updates. Each debater sees
// its peers' current positions truncated to 300 chars. Rounds stop early
// when all positions converge on their leading tokens; otherwise a judge
// prompt picks the strongest final position.
func (m *Manager) debate(ctx context.Context, responses []core.ModelResponse) (*core.ConsensusResult, error) {
	positions := make([]string, len(responses))
	for i, r := range responses {
		positions[i] = r.Content
	}
	models := participating(responses)

	for round := 0; round < m.maxDebateRounds; round++ {
		if positionsConverged(positions) {
			return m.debateResult(responses, positions[0], 1.0), nil
		}

		type update struct {
			idx  int
			text string
			err  error
		}
		updates := make(chan update, len(positions))
		for i := range positions {
			go func(i int) {
				prompt := debatePrompt(positions, i)
				resp, err := m.caller.Call(ctx, models[i], prompt)
				if err != nil {
					updates <- update{idx: i, err: err}
					return
				}
				updates <- update{idx: i, text: resp.Content}
			}(i)
		}
		failures := 0
		for range positions {
			u := <-updates
			if u.err != nil {
				failures++
				continue // debater keeps its previous position
			}
			positions[u.idx] = u.text
		}
		if failures == len(positions) {
			return nil, core.NewHiveError(core.CodePlanning, "every debater failed to update",
				responses[0].CorrelationID, core.ErrPlanning)
		}
	}

	if positionsConverged(positions) {
		return m.debateResult(responses, positions[0], 1.0), nil
	}

	// No convergence: a judge selects the strongest position.
	var b strings.Builder
	b.WriteString("You are the judge of a debate. Select the single strongest position below and restate it as the final answer.\n\n")
	for i, pos := range positions {
		fmt.Fprintf(&b, "Position %d:\n%s\n\n", i+1, pos)
	}
	b.WriteString("Final answer:")

	verdict, err := m.caller.Call(ctx, models[0], b.String())
	if err != nil {
		return nil, err
	}
	return m.debateResult(responses, verdict.Content, meanPairwiseSimilarity(positions)), nil
}

func debatePrompt(positions []string, self int) string {
	var b strings.Builder
	b.WriteString("Your current position:\n")
	b.WriteString(positions[self])
	b.WriteString("\n\nYour peers argue:\n")
	for i, pos := range positions {
		if i == self {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", truncate(pos, peerTruncateLen))
	}
	b.WriteString("\nConsidering their arguments, state your updated position:")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// positionsConverged reports whether every pair of positions agrees on its
// leading tokens.
func positionsConverged(positions []string) bool {
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			if leadingJaccard(positions[i], positions[j], convergenceTokens) < convergenceThreshold {
				return false
			}
		}
	}
	return true
}

func (m *Manager) debateResult(responses []core.ModelResponse, answer string, agreement float64) *core.ConsensusResult {
	return &core.ConsensusResult{
		FinalAnswer:         answer,
		StrategyUsed:        StrategyDebate,
		ParticipatingModels: participating(responses),
		Score: core.ConsensusScore{
			Overall:            agreement,
			AgreementRate:      agreement,
			ConfidenceWeighted: averageConfidence(responses),
			Quality:            qualityScore(answer),
		},
	}
}

// extractKeyPoints pulls bullet and numbered lines out of the responses.
// Points present in every response are agreements; points unique to one
// are disagreements.
func extractKeyPoints(responses []core.ModelResponse) (agreements, disagreements []string) {
	counts := make(map[string]int)
	order := []string{}
	for _, r := range responses {
		seen := make(map[string]bool)
		for _, point := range pointLines(r.Content) {
			norm := normalizeAnswer(point)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			if counts[norm] == 0 {
				order = append(order, point)
			}
			counts[norm]++
		}
	}
	for _, point := range order {
		switch counts[normalizeAnswer(point)] {
		case len(responses):
			agreements = append(agreements, point)
		case 1:
			disagreements = append(disagreements, point)
		}
	}
	sort.Strings(disagreements)
	return agreements, disagreements
}

// pointLines returns lines that look like list items.
func pointLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "• ") {
			out = append(out, strings.TrimSpace(trimmed[2:]))
			continue
		}
		if len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && (trimmed[1] == '.' || trimmed[1] == ')') {
			out = append(out, strings.TrimSpace(trimmed[2:]))
		}
	}
	return out
}
