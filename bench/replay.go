package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/han-hayden/llm-perf-sidecar/catalog"
	"github.com/han-hayden/llm-perf-sidecar/logging"
	"github.com/han-hayden/llm-perf-sidecar/metrics"
	"github.com/han-hayden/llm-perf-sidecar/metricsapi"
	"github.com/han-hayden/llm-perf-sidecar/sse"
	"github.com/han-hayden/llm-perf-sidecar/store"
	"github.com/han-hayden/llm-perf-sidecar/utils"
)

// ReplayMode selects how QA pairs are sent against the target.
type ReplayMode string

const (
	Sequential ReplayMode = "sequential"
	Concurrent ReplayMode = "concurrent"
)

// StartOptions configures one replay run.
type StartOptions struct {
	Name        string
	TargetHost  string
	TargetPort  int
	Mode        ReplayMode
	Concurrency int
	DelayMs     int
	TimeoutS    int
}

// StartResult is returned immediately once a replay has been scheduled;
// the replay itself continues in the background.
type StartResult struct {
	TaskID  string
	DataDir string
	Total   int
}

// Progress is the point-in-time state of one replay run.
type Progress struct {
	TaskID    string  `json:"task_id"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Status    string  `json:"status"`
	ElapsedS  float64 `json:"elapsed_s"`
}

type runState struct {
	mu        sync.Mutex
	total     int
	completed int
	status    string
	startedAt time.Time
}

// Runner replays a previously captured QA dataset against a target,
// writing a fresh performance/QA dataset of its own under a "benchmark_*"
// task. One Runner can have many replays in flight concurrently, each
// tracked under its own task id.
type Runner struct {
	client     *http.Client
	catalog    catalog.Catalog
	dataDir    string
	maxPerFile int
	flushBatch int
	logger     *logging.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// NewRunner builds a Runner. dataDir is the root directory new benchmark
// task output is written under, mirroring collect.Manager's own dataDir.
func NewRunner(client *http.Client, cat catalog.Catalog, dataDir string, maxPerFile, flushBatch int, logger *logging.Logger) *Runner {
	return &Runner{
		client:     client,
		catalog:    cat,
		dataDir:    dataDir,
		maxPerFile: maxPerFile,
		flushBatch: flushBatch,
		logger:     logger,
		runs:       make(map[string]*runState),
	}
}

// Start loads the QA dataset at sourceDataDir and kicks off a replay in
// the background, returning as soon as the task is registered.
func (r *Runner) Start(sourceDataDir string, opts StartOptions) (StartResult, error) {
	records, err := LoadDataset(sourceDataDir)
	if err != nil {
		return StartResult{}, err
	}

	taskID, err := r.catalog.NextID("benchmark")
	if err != nil {
		return StartResult{}, fmt.Errorf("bench: allocate task id: %w", err)
	}

	writer, err := store.NewWriter(taskID, r.dataDir, r.maxPerFile, r.flushBatch)
	if err != nil {
		return StartResult{}, err
	}
	writer.StartPeriodicFlush(5 * time.Second)

	config, _ := json.Marshal(map[string]interface{}{
		"target_host": opts.TargetHost,
		"target_port": opts.TargetPort,
		"mode":        opts.Mode,
		"concurrency": opts.Concurrency,
		"delay_ms":    opts.DelayMs,
		"timeout_s":   opts.TimeoutS,
	})

	task := catalog.Task{
		ID:      taskID,
		Name:    opts.Name,
		Type:    "benchmark",
		Status:  "running",
		Config:  config,
		DataDir: writerDataDir(r.dataDir, taskID),
	}
	if err := r.catalog.Insert(task); err != nil {
		return StartResult{}, fmt.Errorf("bench: persist task: %w", err)
	}

	state := &runState{total: len(records), status: "running", startedAt: time.Now()}
	r.mu.Lock()
	r.runs[taskID] = state
	r.mu.Unlock()

	targetURL := fmt.Sprintf("http://%s:%d/v1/chat/completions", opts.TargetHost, opts.TargetPort)
	go r.run(taskID, records, opts, targetURL, writer, state)

	return StartResult{TaskID: taskID, DataDir: task.DataDir, Total: len(records)}, nil
}

// Progress reports the current state of taskID, or a not_found status if
// no such run is known to this Runner.
func (r *Runner) Progress(taskID string) Progress {
	r.mu.Lock()
	state, ok := r.runs[taskID]
	r.mu.Unlock()
	if !ok {
		return Progress{TaskID: taskID, Status: "not_found"}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return Progress{
		TaskID:    taskID,
		Total:     state.total,
		Completed: state.completed,
		Status:    state.status,
		ElapsedS:  round1(time.Since(state.startedAt).Seconds()),
	}
}

func (r *Runner) run(taskID string, records []QARecord, opts StartOptions, targetURL string, writer *store.Writer, state *runState) {
	delay := time.Duration(opts.DelayMs) * time.Millisecond
	timeout := time.Duration(opts.TimeoutS) * time.Second

	if opts.Mode == Concurrent && opts.Concurrency > 1 {
		r.runConcurrent(records, targetURL, opts.Concurrency, timeout, writer, state)
	} else {
		r.runSequential(records, targetURL, delay, timeout, writer, state)
	}

	if err := writer.Finalize(); err != nil {
		r.logger.ErrorLog("bench: finalize %s: %v", taskID, err)
	}

	completedAt := time.Now()
	if err := r.catalog.Complete(taskID, writer.TotalRecords(), completedAt); err != nil {
		r.logger.ErrorLog("bench: mark %s complete: %v", taskID, err)
	}
	r.logger.InfoLog("bench: %s replayed %s records", taskID, utils.FormatIntWithCommas(int64(writer.TotalRecords())))

	state.mu.Lock()
	state.status = "completed"
	state.mu.Unlock()
}

func (r *Runner) runSequential(records []QARecord, targetURL string, delay, timeout time.Duration, writer *store.Writer, state *runState) {
	for _, rec := range records {
		r.sendAndRecord(targetURL, rec, timeout, writer, state)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

func (r *Runner) runConcurrent(records []QARecord, targetURL string, concurrency int, timeout time.Duration, writer *store.Writer, state *runState) {
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	ctx := context.Background()

	for _, rec := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			r.logger.ErrorLog("bench: semaphore acquire: %v", err)
			continue
		}
		wg.Add(1)
		go func(rec QARecord) {
			defer wg.Done()
			defer sem.Release(1)
			r.sendAndRecord(targetURL, rec, timeout, writer, state)
		}(rec)
	}
	wg.Wait()
}

func (r *Runner) sendAndRecord(targetURL string, rec QARecord, timeout time.Duration, writer *store.Writer, state *runState) {
	metricsapi.BenchmarkInFlight.Inc()
	defer metricsapi.BenchmarkInFlight.Dec()

	record := r.sendOne(targetURL, rec, timeout)
	if err := writer.AddRecord(record); err != nil {
		r.logger.ErrorLog("bench: add record: %v", err)
	}

	state.mu.Lock()
	state.completed++
	state.mu.Unlock()
}

func (r *Runner) sendOne(targetURL string, rec QARecord, timeout time.Duration) store.Record {
	requestID := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	arrival := time.Now()

	model := rec.Model
	if model == "" {
		model = "default"
	}
	messages := utils.ParseMessages(rec.Messages)

	payload, _ := json.Marshal(map[string]interface{}{
		"model":          model,
		"messages":       json.RawMessage(messages),
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	})

	acc := metrics.NewAccumulator(requestID, model, arrival)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		if resp, err := r.client.Do(req); err == nil {
			defer resp.Body.Close()
			drainSSE(resp.Body, acc)
		}
	}

	stat := acc.Finish(time.Now())
	return store.Record{Stat: stat, Messages: messages}
}

func drainSSE(body io.Reader, acc *metrics.Accumulator) {
	reader := sse.NewFrameReader()
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range reader.Feed(buf[:n]) {
				for _, d := range sse.DecodeFrame(frame) {
					acc.Feed(d)
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	if tail := reader.Close(); len(tail) > 0 {
		for _, d := range sse.DecodeFrame(tail) {
			acc.Feed(d)
		}
	}
}

func writerDataDir(root, taskID string) string {
	return filepath.Join(root, taskID)
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
