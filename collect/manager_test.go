package collect

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/han-hayden/llm-perf-sidecar/catalog"
	"github.com/han-hayden/llm-perf-sidecar/metrics"
	"github.com/han-hayden/llm-perf-sidecar/store"
)

// fakeCatalog is an in-memory catalog.Catalog for tests that don't need a
// real sqlite file.
type fakeCatalog struct {
	mu     sync.Mutex
	tasks  map[string]catalog.Task
	counts map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tasks: map[string]catalog.Task{}, counts: map[string]int{}}
}

func (f *fakeCatalog) NextID(prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[prefix]++
	return prefix + "_" + pad3(f.counts[prefix]), nil
}

func (f *fakeCatalog) Insert(task catalog.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeCatalog) Complete(id string, recordCount int, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return catalog.ErrNotFound
	}
	task.Status = "completed"
	task.RecordCount = recordCount
	task.CompletedAt = &completedAt
	f.tasks[id] = task
	return nil
}

func (f *fakeCatalog) Get(id string) (catalog.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return catalog.Task{}, catalog.ErrNotFound
	}
	return task, nil
}

func (f *fakeCatalog) List(taskType string) ([]catalog.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Task
	for _, t := range f.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Close() error { return nil }

func pad3(n int) string {
	s := ""
	for _, d := range []int{n / 100 % 10, n / 10 % 10, n % 10} {
		s += string(rune('0' + d))
	}
	return s
}

func testRecord(id string) store.Record {
	now := time.Now()
	return store.Record{
		Stat: metrics.Stat{
			RequestID: id, Model: "m", ArrivalTime: now, CompletionTime: now,
		},
		Messages: json.RawMessage(`[]`),
	}
}

func TestManagerStartAddStopCount(t *testing.T) {
	dir := t.TempDir()
	cat := newFakeCatalog()
	m := NewManager(cat, dir, 1000, 3600, 10)

	res, err := m.Start("smoke", StopByCount, 3)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.TaskID != "collect_001" {
		t.Errorf("expected collect_001, got %s", res.TaskID)
	}
	if !m.HasActive() {
		t.Fatal("expected active session")
	}

	for i := 0; i < 3; i++ {
		if err := m.AddRecord(testRecord("r")); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	if m.HasActive() {
		t.Error("expected auto-stop after count limit reached")
	}
	task, err := cat.Get("collect_001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != "completed" || task.RecordCount != 3 {
		t.Errorf("unexpected task state: %+v", task)
	}
}

func TestManagerStartWhileActiveFails(t *testing.T) {
	dir := t.TempDir()
	cat := newFakeCatalog()
	m := NewManager(cat, dir, 1000, 3600, 10)

	if _, err := m.Start("a", StopByCount, 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start("b", StopByCount, 100); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestManagerAddRecordWithNoActiveSessionIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(newFakeCatalog(), dir, 1000, 3600, 10)
	if err := m.AddRecord(testRecord("r")); err != nil {
		t.Errorf("expected no-op, got error: %v", err)
	}
}

func TestManagerStopWrongIDReturnsErrNotActive(t *testing.T) {
	dir := t.TempDir()
	cat := newFakeCatalog()
	m := NewManager(cat, dir, 1000, 3600, 10)
	if _, err := m.Start("a", StopByCount, 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop("collect_999"); err != ErrNotActive {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestManagerStartAfterStopAllocatesNewID(t *testing.T) {
	dir := t.TempDir()
	cat := newFakeCatalog()
	m := NewManager(cat, dir, 1000, 3600, 10)

	res1, _ := m.Start("a", StopByCount, 1)
	_ = m.AddRecord(testRecord("r"))
	if m.HasActive() {
		t.Fatal("expected session to auto-stop")
	}

	res2, err := m.Start("b", StopByCount, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res1.TaskID == res2.TaskID {
		t.Errorf("expected distinct task ids, got %s twice", res1.TaskID)
	}
}
