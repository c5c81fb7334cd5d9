// Package store persists metrics.Stat records to rotating CSV shards
// plus a parallel QA-pair shard, and renders the aggregate summary once a
// collection session finalizes.
package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/han-hayden/llm-perf-sidecar/metrics"
)

// utf8BOM is prefixed to every CSV file the writer creates, so a common
// spreadsheet application reads the Chinese 序号 column header correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var perfHeaders = []string{
	"序号", "request_id", "model", "arrival_time", "completion_time",
	"prompt_tokens", "forward_cal_tokens", "cached_tokens",
	"completion_tokens", "total_tokens", "ttft_ms", "tpot_ms",
	"tps", "e2e_latency_ms", "chunk_count",
}

var qaHeaders = []string{"序号", "request_id", "model", "messages", "response_content"}

const timeLayout = "2006-01-02 15:04:05"

// Record is one buffered entry: the computed Stat plus the raw chat
// messages that produced it, carried through to the QA shard untouched.
type Record struct {
	Stat     metrics.Stat
	Messages json.RawMessage
}

// Writer buffers Records and flushes them to rotating CSV shards under a
// mutex, so row sequence numbers are assigned in the exact order records
// were accepted and the performance/QA shards stay row-aligned.
type Writer struct {
	taskID     string
	dataDir    string
	maxPerFile int
	flushBatch int

	mu               sync.Mutex
	buffer           []Record
	fileIndex        int
	fileRecordCount  int
	totalRecordCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a Writer rooted at dataDir/taskID, creating the
// directory if necessary.
func NewWriter(taskID, dataDir string, maxPerFile, flushBatch int) (*Writer, error) {
	dir := filepath.Join(dataDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Writer{
		taskID:     taskID,
		dataDir:    dir,
		maxPerFile: maxPerFile,
		flushBatch: flushBatch,
	}, nil
}

// TotalRecords returns the number of records accepted so far: those
// already flushed plus those still waiting in the buffer.
func (w *Writer) TotalRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRecordCount + len(w.buffer)
}

// AddRecord buffers one record, flushing immediately once the buffer
// reaches the configured batch size.
func (w *Writer) AddRecord(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, rec)
	if len(w.buffer) >= w.flushBatch {
		return w.flushLocked()
	}
	return nil
}

// StartPeriodicFlush spawns a goroutine that flushes the buffer every
// interval until Finalize cancels it. Finalize must be
// called to join this goroutine before the tail flush, so a concurrent
// periodic flush never races finalize's own flush.
func (w *Writer) StartPeriodicFlush(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.mu.Lock()
				_ = w.flushLocked()
				w.mu.Unlock()
			}
		}
	}()
}

// Finalize stops the periodic-flush goroutine, performs the tail flush,
// and renders the summary files. It is idempotent: calling it more than
// once is safe, the second call simply flushes an empty buffer and
// re-renders the same summary.
func (w *Writer) Finalize() error {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
		w.cancel = nil
	}

	w.mu.Lock()
	err := w.flushLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	return w.GenerateSummary()
}

func (w *Writer) perfPath() string {
	return filepath.Join(w.dataDir, fmt.Sprintf("performance_data_%d.csv", w.fileIndex))
}

func (w *Writer) qaPath() string {
	return filepath.Join(w.dataDir, fmt.Sprintf("qa_pairs_%d.csv", w.fileIndex))
}

// flushLocked writes the buffer to the current shard, rotating to the next
// shard whenever the current one reaches maxPerFile rows, so one flush may
// span several shards. Caller must hold w.mu.
func (w *Writer) flushLocked() error {
	for len(w.buffer) > 0 {
		if w.fileRecordCount >= w.maxPerFile {
			w.fileIndex++
			w.fileRecordCount = 0
		}

		n := len(w.buffer)
		if room := w.maxPerFile - w.fileRecordCount; w.maxPerFile > 0 && room < n {
			n = room
		}
		pending := w.buffer
		w.buffer = pending[:n]

		perfPath := w.perfPath()
		qaPath := w.qaPath()

		perfExists := fileExists(perfPath)
		qaExists := fileExists(qaPath)

		if err := w.appendPerfRows(perfPath, perfExists); err != nil {
			w.buffer = pending
			return err
		}
		if err := w.appendQARows(qaPath, qaExists); err != nil {
			w.buffer = pending
			return err
		}

		w.fileRecordCount += n
		w.buffer = pending[n:]
	}
	return nil
}

func (w *Writer) appendPerfRows(path string, exists bool) error {
	f, writer, err := openCSVAppend(path, exists, perfHeaders)
	if err != nil {
		return err
	}
	defer f.Close()
	defer writer.Flush()

	for _, rec := range w.buffer {
		w.totalRecordCount++
		s := rec.Stat
		row := []string{
			fmt.Sprintf("%d", w.totalRecordCount),
			s.RequestID,
			s.Model,
			s.ArrivalTime.Format(timeLayout),
			s.CompletionTime.Format(timeLayout),
			fmt.Sprintf("%d", s.PromptTokens),
			fmt.Sprintf("%d", s.ForwardCalTokens),
			fmt.Sprintf("%d", s.CachedTokens),
			fmt.Sprintf("%d", s.CompletionTokens),
			fmt.Sprintf("%d", s.TotalTokens),
			formatFloat(s.TTFTMs),
			formatFloat(s.TPOTMs),
			formatFloat(s.TPS),
			formatFloat(s.E2ELatencyMs),
			fmt.Sprintf("%d", s.ChunkCount),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("store: write performance row: %w", err)
		}
	}
	return writer.Error()
}

func (w *Writer) appendQARows(path string, exists bool) error {
	f, writer, err := openCSVAppend(path, exists, qaHeaders)
	if err != nil {
		return err
	}
	defer f.Close()
	defer writer.Flush()

	seq := w.totalRecordCount - len(w.buffer) + 1
	for _, rec := range w.buffer {
		messages := rec.Messages
		if len(messages) == 0 {
			messages = json.RawMessage("[]")
		}
		row := []string{
			fmt.Sprintf("%d", seq),
			rec.Stat.RequestID,
			rec.Stat.Model,
			string(messages),
			rec.Stat.ResponseContent,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("store: write qa row: %w", err)
		}
		seq++
	}
	return writer.Error()
}

func openCSVAppend(path string, exists bool, headers []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if !exists {
		if _, err := f.Write(utf8BOM); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("store: write BOM for %s: %w", path, err)
		}
	}
	writer := csv.NewWriter(f)
	if !exists {
		if err := writer.Write(headers); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("store: write header for %s: %w", path, err)
		}
	}
	return f, writer, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.2f", f)
}
