package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/llmhive/llmhive/core"
)

func TestMemorySinkRecordsAndSnapshots(t *testing.T) {
	s := NewMemorySink()

	s.RecordCall(core.CallTrace{CorrelationID: "aaaa0001", Backend: "groq", Outcome: "success", Latency: 50 * time.Millisecond})
	s.RecordCall(core.CallTrace{CorrelationID: "aaaa0002", Backend: "cerebras", Outcome: "rate_limited"})
	s.RecordIteration(core.IterationEvent{CorrelationID: "aaaa0001", Iteration: 1, Score: 0.8})
	s.RecordConsensus(core.ConsensusEvent{CorrelationID: "aaaa0001", Strategy: "voting"})

	if got := len(s.Calls()); got != 2 {
		t.Errorf("Calls = %d entries, want 2", got)
	}
	if got := len(s.Iterations()); got != 1 {
		t.Errorf("Iterations = %d entries, want 1", got)
	}
	if got := len(s.Consensus()); got != 1 {
		t.Errorf("Consensus = %d entries, want 1", got)
	}
}

func TestMemorySinkFiltersByCorrelation(t *testing.T) {
	s := NewMemorySink()
	s.RecordCall(core.CallTrace{CorrelationID: "aaaa0001", Backend: "groq"})
	s.RecordCall(core.CallTrace{CorrelationID: "bbbb0002", Backend: "groq"})
	s.RecordCall(core.CallTrace{CorrelationID: "aaaa0001", Backend: "cerebras"})

	got := s.CallsFor("aaaa0001")
	if len(got) != 2 {
		t.Fatalf("CallsFor = %d entries, want 2", len(got))
	}
	for _, trace := range got {
		if trace.CorrelationID != "aaaa0001" {
			t.Errorf("trace leaked from %q", trace.CorrelationID)
		}
	}
}

func TestMemorySinkSnapshotIsolation(t *testing.T) {
	s := NewMemorySink()
	s.RecordCall(core.CallTrace{Backend: "groq"})

	snap := s.Calls()
	snap[0].Backend = "mutated"

	if s.Calls()[0].Backend != "groq" {
		t.Error("snapshot mutation reached the sink")
	}
}

func TestMemorySinkReset(t *testing.T) {
	s := NewMemorySink()
	s.RecordCall(core.CallTrace{Backend: "groq"})
	s.RecordIteration(core.IterationEvent{Iteration: 1})
	s.Reset()

	if len(s.Calls()) != 0 || len(s.Iterations()) != 0 || len(s.Consensus()) != 0 {
		t.Error("Reset left events behind")
	}
}

func TestMemorySinkConcurrentWriters(t *testing.T) {
	s := NewMemorySink()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordCall(core.CallTrace{Backend: "groq"})
			s.Calls()
		}()
	}
	wg.Wait()
	if got := len(s.Calls()); got != 50 {
		t.Errorf("Calls = %d entries, want 50", got)
	}
}

func TestFanoutSinkForwardsToAll(t *testing.T) {
	a := NewMemorySink()
	b := NewMemorySink()
	f := NewFanoutSink(a, b)

	f.RecordCall(core.CallTrace{Backend: "groq"})
	f.RecordIteration(core.IterationEvent{Iteration: 1})
	f.RecordConsensus(core.ConsensusEvent{Strategy: "voting"})

	for name, sink := range map[string]*MemorySink{"first": a, "second": b} {
		if len(sink.Calls()) != 1 || len(sink.Iterations()) != 1 || len(sink.Consensus()) != 1 {
			t.Errorf("%s sink missed events", name)
		}
	}
}
