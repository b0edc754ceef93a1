// Package selector scores model profiles against a task and picks either a
// single best model or a provider-diverse ensemble.
package selector

import (
	"sort"
	"sync"

	"github.com/llmhive/llmhive/core"
)

// OptimizeFor selects what the scorer trades off.
type OptimizeFor string

const (
	OptimizeQuality OptimizeFor = "quality"
	OptimizeSpeed   OptimizeFor = "speed"
	OptimizeCost    OptimizeFor = "cost"
)

// historyCap bounds the rolling per-model outcome window.
const historyCap = 100

// Scoring weights. The telemetry-aware set applies once a model has
// recorded outcomes; before that, skill is all we know.
const (
	weightSkill   = 0.7
	weightMode    = 0.2
	weightSuccess = 0.1
)

// Selector picks models for a task. Safe for concurrent use; the rolling
// outcome history has a single writer per call and readers see snapshots.
type Selector struct {
	logger core.Logger

	mu       sync.RWMutex
	profiles map[string]core.ModelProfile
	history  map[string][]bool
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the selector's logger.
func WithLogger(logger core.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// New creates a Selector over the given profiles.
func New(profiles []core.ModelProfile, opts ...SelectorOption) *Selector {
	s := &Selector{
		logger:   &core.NoOpLogger{},
		profiles: make(map[string]core.ModelProfile, len(profiles)),
		history:  make(map[string][]bool),
	}
	for _, p := range profiles {
		s.profiles[p.ModelID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterProfile adds or replaces a model profile.
func (s *Selector) RegisterProfile(p core.ModelProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ModelID] = p
}

// Profile returns a model's profile, if known.
func (s *Selector) Profile(modelID string) (core.ModelProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[modelID]
	return p, ok
}

// RecordOutcome appends one success/failure observation to the model's
// rolling history, evicting the oldest entry past the window cap.
func (s *Selector) RecordOutcome(modelID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[modelID], success)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	s.history[modelID] = h
}

// successRate returns the rolling success rate and whether any history
// exists. Caller must hold s.mu.
func (s *Selector) successRate(modelID string) (float64, bool) {
	h := s.history[modelID]
	if len(h) == 0 {
		return 0, false
	}
	ok := 0
	for _, b := range h {
		if b {
			ok++
		}
	}
	return float64(ok) / float64(len(h)), true
}

// Score rates one model for a task. The result is clamped to [0,1].
func (s *Selector) Score(modelID string, category core.TaskCategory, optimizeFor OptimizeFor) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked(modelID, category, optimizeFor)
}

func (s *Selector) scoreLocked(modelID string, category core.TaskCategory, optimizeFor OptimizeFor) float64 {
	profile, ok := s.profiles[modelID]
	if !ok {
		return 0
	}

	skill := profile.Skill(category)
	successRate, hasHistory := s.successRate(modelID)

	var score float64
	if hasHistory {
		score = weightSkill*skill + weightMode*modeAdjust(profile, category, optimizeFor) + weightSuccess*successRate
	} else {
		score = skill
	}

	switch optimizeFor {
	case OptimizeSpeed:
		score -= profile.AvgLatencyMS / 5000
	case OptimizeCost:
		score -= profile.CostPer1K / 0.03
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// modeAdjust expresses how well a profile fits the optimization mode,
// in [0,1].
func modeAdjust(p core.ModelProfile, category core.TaskCategory, optimizeFor OptimizeFor) float64 {
	switch optimizeFor {
	case OptimizeSpeed:
		v := 1 - p.AvgLatencyMS/5000
		if v < 0 {
			return 0
		}
		return v
	case OptimizeCost:
		v := 1 - p.CostPer1K/0.03
		if v < 0 {
			return 0
		}
		return v
	default:
		return p.Skill(category)
	}
}

// ranked is one scored candidate.
type ranked struct {
	modelID  string
	provider string
	score    float64
}

// rank scores every available model and sorts best-first. Ties break on
// model id for determinism.
func (s *Selector) rank(availableIDs []string, category core.TaskCategory, optimizeFor OptimizeFor) []ranked {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ranked, 0, len(availableIDs))
	for _, id := range availableIDs {
		profile, ok := s.profiles[id]
		if !ok {
			continue
		}
		out = append(out, ranked{
			modelID:  id,
			provider: profile.Provider,
			score:    s.scoreLocked(id, category, optimizeFor),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].modelID < out[j].modelID
	})
	return out
}

// SelectBest returns the top-scoring model for the task.
func (s *Selector) SelectBest(availableIDs []string, category core.TaskCategory, optimizeFor OptimizeFor) (string, error) {
	candidates := s.rank(availableIDs, category, optimizeFor)
	if len(candidates) == 0 {
		return "", core.ErrNoModels
	}
	best := candidates[0]
	s.logger.Debug("Selected best model", map[string]interface{}{
		"operation": "select_best",
		"model_id":  best.modelID,
		"category":  string(category),
		"score":     best.score,
	})
	return best.modelID, nil
}

// SelectEnsemble returns up to maxModels ids, greedily preferring
// candidates whose provider is not yet represented. When diversity would
// leave the ensemble short, already-seen providers fill the remainder.
func (s *Selector) SelectEnsemble(availableIDs []string, category core.TaskCategory, optimizeFor OptimizeFor, maxModels int) ([]string, error) {
	if maxModels < 1 {
		maxModels = 1
	}
	candidates := s.rank(availableIDs, category, optimizeFor)
	if len(candidates) == 0 {
		return nil, core.ErrNoModels
	}
	if maxModels > len(candidates) {
		maxModels = len(candidates)
	}

	selected := make([]string, 0, maxModels)
	usedProviders := make(map[string]bool)
	taken := make(map[string]bool)

	for len(selected) < maxModels {
		// First choice: best unseen-provider candidate.
		pick := -1
		for i, c := range candidates {
			if taken[c.modelID] {
				continue
			}
			if !usedProviders[c.provider] {
				pick = i
				break
			}
			if pick == -1 {
				pick = i // best remaining, diversity permitting or not
			}
		}
		if pick == -1 {
			break
		}
		c := candidates[pick]
		selected = append(selected, c.modelID)
		taken[c.modelID] = true
		usedProviders[c.provider] = true
	}

	s.logger.Debug("Selected ensemble", map[string]interface{}{
		"operation": "select_ensemble",
		"models":    selected,
		"category":  string(category),
	})
	return selected, nil
}
