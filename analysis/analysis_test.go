package analysis

import (
	"context"
	"testing"

	"github.com/han-hayden/llm-perf-sidecar/store"
)

type stubEngine struct {
	name   string
	result Result
}

func (s *stubEngine) Name() string    { return s.name }
func (s *stubEngine) Version() string { return "0.1" }
func (s *stubEngine) Analyze(ctx context.Context, taskID string, summary store.Summary, records []store.Record) (Result, error) {
	return s.result, nil
}

func TestRegistryEmptyByDefault(t *testing.T) {
	r := NewRegistry()
	if got := r.List(); len(got) != 0 {
		t.Errorf("expected empty registry, got %v", got)
	}
	results, err := r.Analyze(context.Background(), "collect_001", store.Summary{}, nil, "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results with no engines registered, got %d", len(results))
	}
}

func TestRegistryRegisterAndAnalyzeAll(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEngine{name: "cache-hit-rate", result: Result{EngineName: "cache-hit-rate", Summary: "ok"}})
	r.Register(&stubEngine{name: "tail-latency", result: Result{EngineName: "tail-latency", Summary: "ok"}})

	names := r.List()
	if len(names) != 2 || names[0] != "cache-hit-rate" || names[1] != "tail-latency" {
		t.Errorf("unexpected engine list: %v", names)
	}

	results, err := r.Analyze(context.Background(), "collect_001", store.Summary{}, nil, "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestRegistryAnalyzeSpecificEngine(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEngine{name: "a", result: Result{EngineName: "a"}})
	r.Register(&stubEngine{name: "b", result: Result{EngineName: "b"}})

	results, err := r.Analyze(context.Background(), "collect_001", store.Summary{}, nil, "a")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(results) != 1 || results[0].EngineName != "a" {
		t.Errorf("expected only engine 'a', got %+v", results)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEngine{name: "a"})
	r.Unregister("a")
	if got := r.List(); len(got) != 0 {
		t.Errorf("expected empty after unregister, got %v", got)
	}
}
