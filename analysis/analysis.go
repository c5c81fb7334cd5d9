// Package analysis is the analysis-engine plugin registry: a stub in
// this build (no engine ships by default), but the registry itself is
// real so a future engine can be registered without touching any caller.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/han-hayden/llm-perf-sidecar/store"
)

// Category classifies what part of the inference pipeline a Suggestion
// is about.
type Category string

const (
	CategoryPrefill     Category = "prefill"
	CategoryDecode      Category = "decode"
	CategoryCache       Category = "cache"
	CategoryLatencyTail Category = "latency_tail"
	CategoryGeneral     Category = "general"
)

// Severity ranks how urgently a Suggestion should be acted on.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Suggestion is one actionable finding an Engine produces.
type Suggestion struct {
	Category        Category          `json:"category"`
	Severity        Severity          `json:"severity"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Recommendation  string            `json:"recommendation"`
	MetricsEvidence map[string]string `json:"metrics_evidence,omitempty"`
}

// Result is what one Engine's Analyze call returns.
type Result struct {
	EngineName    string       `json:"engine_name"`
	EngineVersion string       `json:"engine_version"`
	TaskID        string       `json:"task_id"`
	Suggestions   []Suggestion `json:"suggestions"`
	Summary       string       `json:"summary"`
}

// Engine is a pluggable analysis engine. No core sidecar logic depends
// on any Engine being registered; the proxy, collect, and bench packages
// never import this package's registry directly.
type Engine interface {
	Name() string
	Version() string
	Analyze(ctx context.Context, taskID string, summary store.Summary, records []store.Record) (Result, error)
}

// Registry holds the registered engines and fans an analysis request out
// to one or all of them.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds or replaces an engine under its own name.
func (r *Registry) Register(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.Name()] = engine
}

// Unregister removes an engine by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, name)
}

// List returns the registered engine names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Analyze runs the named engine, or every registered engine when
// engineName is empty, returning one Result per engine run.
func (r *Registry) Analyze(ctx context.Context, taskID string, summary store.Summary, records []store.Record, engineName string) ([]Result, error) {
	r.mu.RLock()
	var targets []Engine
	if engineName != "" {
		if e, ok := r.engines[engineName]; ok {
			targets = append(targets, e)
		}
	} else {
		for _, e := range r.engines {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	results := make([]Result, 0, len(targets))
	for _, engine := range targets {
		result, err := engine.Analyze(ctx, taskID, summary, records)
		if err != nil {
			return nil, fmt.Errorf("analysis: engine %s: %w", engine.Name(), err)
		}
		results = append(results, result)
	}
	return results, nil
}
