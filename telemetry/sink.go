package telemetry

import (
	"sync"

	"github.com/llmhive/llmhive/core"
)

// MemorySink is an in-memory core.TelemetrySink. It backs the per-request
// traces returned to callers and is the sink of choice in tests.
// Safe for concurrent use; readers receive snapshots.
type MemorySink struct {
	mu         sync.Mutex
	calls      []core.CallTrace
	iterations []core.IterationEvent
	consensus  []core.ConsensusEvent
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// RecordCall implements core.TelemetrySink.
func (s *MemorySink) RecordCall(t core.CallTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t)
}

// RecordIteration implements core.TelemetrySink.
func (s *MemorySink) RecordIteration(e core.IterationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations = append(s.iterations, e)
}

// RecordConsensus implements core.TelemetrySink.
func (s *MemorySink) RecordConsensus(e core.ConsensusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus = append(s.consensus, e)
}

// Calls returns a snapshot of all recorded call traces.
func (s *MemorySink) Calls() []core.CallTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.CallTrace, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns a snapshot of traces bound to one correlation ID.
func (s *MemorySink) CallsFor(correlationID string) []core.CallTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.CallTrace
	for _, t := range s.calls {
		if t.CorrelationID == correlationID {
			out = append(out, t)
		}
	}
	return out
}

// Iterations returns a snapshot of all refinement iteration events.
func (s *MemorySink) Iterations() []core.IterationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.IterationEvent, len(s.iterations))
	copy(out, s.iterations)
	return out
}

// Consensus returns a snapshot of all consensus events.
func (s *MemorySink) Consensus() []core.ConsensusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ConsensusEvent, len(s.consensus))
	copy(out, s.consensus)
	return out
}

// Reset clears all recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.iterations = nil
	s.consensus = nil
}

// FanoutSink duplicates events to multiple sinks, e.g. a MemorySink for the
// caller's trace plus an OTelProvider for export.
type FanoutSink struct {
	sinks []core.TelemetrySink
}

// NewFanoutSink creates a sink that forwards to all given sinks.
func NewFanoutSink(sinks ...core.TelemetrySink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (f *FanoutSink) RecordCall(t core.CallTrace) {
	for _, s := range f.sinks {
		s.RecordCall(t)
	}
}

func (f *FanoutSink) RecordIteration(e core.IterationEvent) {
	for _, s := range f.sinks {
		s.RecordIteration(e)
	}
}

func (f *FanoutSink) RecordConsensus(e core.ConsensusEvent) {
	for _, s := range f.sinks {
		s.RecordConsensus(e)
	}
}
