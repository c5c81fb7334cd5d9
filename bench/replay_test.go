package bench

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/han-hayden/llm-perf-sidecar/catalog"
	"github.com/han-hayden/llm-perf-sidecar/logging"
)

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
	return prefix + "_001", nil
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
func (f *fakeCatalog) List(taskType string) ([]catalog.Task, error) { return nil, nil }
func (f *fakeCatalog) Close() error                                 { return nil }

func writeSourceDataset(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	rows := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]string{
			"model":    "m",
			"messages": `[{"role":"user","content":"hi"}]`,
		})
	}
	data, _ := json.Marshal(rows)
	if err := os.WriteFile(filepath.Join(dir, "qa_pairs.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// TestRunnerConcurrentReplayBoundsInFlightAndWritesAllRows covers S6: 10
// records replayed at concurrency 3 never exceed 3 in-flight requests, and
// the final shard has exactly 10 rows with no gaps or duplicate sequence
// numbers despite nondeterministic completion order.
func TestRunnerConcurrentReplayBoundsInFlightAndWritesAllRows(t *testing.T) {
	var inFlight int32
	var maxInFlight int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)

		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()

	host, port := splitHostPort(t, upstream.URL)

	sourceDir := writeSourceDataset(t, 10)
	outDir := t.TempDir()
	cat := newFakeCatalog()
	runner := NewRunner(http.DefaultClient, cat, outDir, 1000, 100, logging.NewLogger())

	result, err := runner.Start(sourceDir, StartOptions{
		Name: "s6", TargetHost: host, TargetPort: port,
		Mode: Concurrent, Concurrency: 3, TimeoutS: 5,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Total != 10 {
		t.Fatalf("Total = %d, want 10", result.Total)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runner.Progress(result.TaskID).Status == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	progress := runner.Progress(result.TaskID)
	if progress.Status != "completed" {
		t.Fatalf("replay did not complete in time: %+v", progress)
	}

	if atomic.LoadInt32(&maxInFlight) > 3 {
		t.Errorf("max in-flight = %d, want <= 3", maxInFlight)
	}

	rows := readSeqColumn(t, filepath.Join(result.DataDir, "performance_data_0.csv"))
	if len(rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(rows))
	}
	seen := map[int]bool{}
	for _, seq := range rows {
		if seen[seq] {
			t.Errorf("duplicate 序号 %d", seq)
		}
		seen[seq] = true
	}
	for i := 1; i <= 10; i++ {
		if !seen[i] {
			t.Errorf("missing 序号 %d", i)
		}
	}
}

func splitHostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	u := strings.TrimPrefix(url, "http://")
	parts := strings.Split(u, ":")
	var port int
	for _, c := range parts[1] {
		port = port*10 + int(c-'0')
	}
	return parts[0], port
}

func readSeqColumn(t *testing.T, path string) []int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimPrefix(string(data), "\xEF\xBB\xBF")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	var seqs []int
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		col := strings.Split(line, ",")[0]
		var n int
		for _, c := range col {
			n = n*10 + int(c-'0')
		}
		seqs = append(seqs, n)
	}
	return seqs
}

func TestRunnerProgressNotFoundForUnknownTask(t *testing.T) {
	runner := NewRunner(http.DefaultClient, newFakeCatalog(), t.TempDir(), 1000, 100, logging.NewLogger())
	if got := runner.Progress("bogus"); got.Status != "not_found" {
		t.Errorf("Status = %q, want not_found", got.Status)
	}
}

func TestRunnerSequentialReplayCompletesAndMarksCatalog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()
	host, port := splitHostPort(t, upstream.URL)

	sourceDir := writeSourceDataset(t, 3)
	outDir := t.TempDir()
	cat := newFakeCatalog()
	runner := NewRunner(http.DefaultClient, cat, outDir, 1000, 100, logging.NewLogger())

	result, err := runner.Start(sourceDir, StartOptions{
		Name: "seq", TargetHost: host, TargetPort: port,
		Mode: Sequential, TimeoutS: 5,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && runner.Progress(result.TaskID).Status != "completed" {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runner.Progress(result.TaskID).Status; got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}

	task, err := cat.Get(result.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != "completed" || task.RecordCount != 3 {
		t.Errorf("task = %+v, want status=completed recordCount=3", task)
	}
}
