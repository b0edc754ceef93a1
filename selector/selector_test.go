package selector

import (
	"testing"

	"github.com/llmhive/llmhive/core"
)

func testProfiles() []core.ModelProfile {
	return []core.ModelProfile{
		{
			ModelID:  "deepseek-r1",
			Provider: "deepseek",
			Skills:   map[core.TaskCategory]float64{core.TaskMath: 0.95, core.TaskCoding: 0.85},
			AvgLatencyMS: 4000,
			CostPer1K:    0.002,
		},
		{
			ModelID:  "llama-fast",
			Provider: "groq",
			Skills:   map[core.TaskCategory]float64{core.TaskMath: 0.70, core.TaskCoding: 0.65},
			AvgLatencyMS: 400,
			CostPer1K:    0.0005,
		},
		{
			ModelID:  "qwen-coder",
			Provider: "together",
			Skills:   map[core.TaskCategory]float64{core.TaskCoding: 0.90, core.TaskMath: 0.75},
			AvgLatencyMS: 1500,
			CostPer1K:    0.001,
		},
		{
			ModelID:  "deepseek-v3",
			Provider: "deepseek",
			Skills:   map[core.TaskCategory]float64{core.TaskCoding: 0.88, core.TaskMath: 0.85},
			AvgLatencyMS: 1800,
			CostPer1K:    0.001,
		},
	}
}

func allIDs() []string {
	return []string{"deepseek-r1", "llama-fast", "qwen-coder", "deepseek-v3"}
}

func TestSelectBestByQuality(t *testing.T) {
	s := New(testProfiles())

	best, err := s.SelectBest(allIDs(), core.TaskMath, OptimizeQuality)
	if err != nil {
		t.Fatalf("SelectBest failed: %v", err)
	}
	if best != "deepseek-r1" {
		t.Errorf("best math model = %q, want deepseek-r1", best)
	}

	best, err = s.SelectBest(allIDs(), core.TaskCoding, OptimizeQuality)
	if err != nil {
		t.Fatalf("SelectBest failed: %v", err)
	}
	if best != "qwen-coder" {
		t.Errorf("best coding model = %q, want qwen-coder", best)
	}
}

func TestSpeedPenaltyDemotesSlowModels(t *testing.T) {
	s := New(testProfiles())

	// deepseek-r1 is the strongest at math but carries a 4s average
	// latency; optimizing for speed should surface the fast model.
	best, err := s.SelectBest(allIDs(), core.TaskMath, OptimizeSpeed)
	if err != nil {
		t.Fatalf("SelectBest failed: %v", err)
	}
	if best == "deepseek-r1" {
		t.Errorf("speed selection still picked the slowest model")
	}

	slow := s.Score("deepseek-r1", core.TaskMath, OptimizeSpeed)
	fast := s.Score("llama-fast", core.TaskMath, OptimizeSpeed)
	if slow >= fast {
		t.Errorf("speed scores: slow=%v fast=%v, want fast > slow", slow, fast)
	}
}

func TestScoreWithoutHistoryIsSkillOnly(t *testing.T) {
	s := New(testProfiles())
	got := s.Score("deepseek-r1", core.TaskMath, OptimizeQuality)
	if got != 0.95 {
		t.Errorf("score without history = %v, want the raw skill 0.95", got)
	}
}

func TestScoreUnknownCategoryDefaults(t *testing.T) {
	s := New(testProfiles())
	got := s.Score("llama-fast", core.TaskCreative, OptimizeQuality)
	if got != 0.5 {
		t.Errorf("score for unprofiled category = %v, want 0.5", got)
	}
}

func TestRecordOutcomeShiftsScore(t *testing.T) {
	s := New(testProfiles())

	for i := 0; i < 10; i++ {
		s.RecordOutcome("deepseek-r1", false)
	}
	withFailures := s.Score("deepseek-r1", core.TaskMath, OptimizeQuality)

	s2 := New(testProfiles())
	for i := 0; i < 10; i++ {
		s2.RecordOutcome("deepseek-r1", true)
	}
	withSuccesses := s2.Score("deepseek-r1", core.TaskMath, OptimizeQuality)

	if withFailures >= withSuccesses {
		t.Errorf("score with failures (%v) should be below score with successes (%v)", withFailures, withSuccesses)
	}
}

func TestHistoryWindowCap(t *testing.T) {
	s := New(testProfiles())

	// Fill the window with failures, then overwrite it with successes.
	for i := 0; i < historyCap; i++ {
		s.RecordOutcome("llama-fast", false)
	}
	for i := 0; i < historyCap; i++ {
		s.RecordOutcome("llama-fast", true)
	}

	s.mu.RLock()
	rate, ok := s.successRate("llama-fast")
	windowLen := len(s.history["llama-fast"])
	s.mu.RUnlock()

	if !ok || rate != 1.0 {
		t.Errorf("success rate = %v, want 1.0 after window rolls over", rate)
	}
	if windowLen != historyCap {
		t.Errorf("window length = %d, want %d", windowLen, historyCap)
	}
}

func TestEnsembleProviderDiversity(t *testing.T) {
	s := New(testProfiles())

	ensemble, err := s.SelectEnsemble(allIDs(), core.TaskCoding, OptimizeQuality, 3)
	if err != nil {
		t.Fatalf("SelectEnsemble failed: %v", err)
	}
	if len(ensemble) != 3 {
		t.Fatalf("ensemble size = %d, want 3", len(ensemble))
	}

	// Both deepseek models score highly on coding, but the first three
	// picks should each come from a distinct provider.
	providers := make(map[string]int)
	for _, id := range ensemble {
		p, _ := s.Profile(id)
		providers[p.Provider]++
	}
	if len(providers) != 3 {
		t.Errorf("ensemble providers = %v, want 3 distinct", providers)
	}
}

func TestEnsembleFillsWhenDiversityRunsOut(t *testing.T) {
	s := New(testProfiles())

	ensemble, err := s.SelectEnsemble(allIDs(), core.TaskCoding, OptimizeQuality, 4)
	if err != nil {
		t.Fatalf("SelectEnsemble failed: %v", err)
	}
	// Only three providers exist; the fourth slot reuses one.
	if len(ensemble) != 4 {
		t.Errorf("ensemble size = %d, want 4", len(ensemble))
	}
}

func TestSelectBestNoCandidates(t *testing.T) {
	s := New(testProfiles())
	if _, err := s.SelectBest([]string{"unknown-model"}, core.TaskMath, OptimizeQuality); err != core.ErrNoModels {
		t.Errorf("err = %v, want ErrNoModels", err)
	}
	if _, err := s.SelectEnsemble(nil, core.TaskMath, OptimizeQuality, 3); err != core.ErrNoModels {
		t.Errorf("err = %v, want ErrNoModels", err)
	}
}
