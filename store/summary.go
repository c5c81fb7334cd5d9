package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// MetricStats is the {avg,p50,p90,p99,min,max} block the summary renders
// for each numeric column.
type MetricStats struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CachedTokenStats is the reduced {avg,total} block cached_tokens gets
// instead of a full percentile breakdown.
type CachedTokenStats struct {
	Avg   float64 `json:"avg"`
	Total int64   `json:"total"`
}

// TimeRange is the {start,end} pair of the first row's arrival_time and
// the last row's completion_time, in on-disk string form.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Summary is the performance_summary.json document.
type Summary struct {
	TaskID         string    `json:"task_id"`
	TotalRequests  int       `json:"total_requests"`
	TimeRange      TimeRange `json:"time_range"`
	SummaryMetrics struct {
		TTFTMs           MetricStats      `json:"ttft_ms"`
		TPOTMs           MetricStats      `json:"tpot_ms"`
		TPS              MetricStats      `json:"tps"`
		E2ELatencyMs     MetricStats      `json:"e2e_latency_ms"`
		PromptTokens     MetricStats      `json:"prompt_tokens"`
		CompletionTokens MetricStats      `json:"completion_tokens"`
		CachedTokens     CachedTokenStats `json:"cached_tokens"`
	} `json:"summary"`
}

// GenerateSummary reads every performance_data_*.csv shard in the
// writer's data dir, computes the aggregate summary, writes
// performance_summary.json, and consolidates every qa_pairs_*.csv shard
// into qa_pairs.json. It is a no-op if no performance shard exists yet.
func (w *Writer) GenerateSummary() error {
	shards, err := filepath.Glob(filepath.Join(w.dataDir, "performance_data_*.csv"))
	if err != nil {
		return fmt.Errorf("store: glob performance shards: %w", err)
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil
	}

	rows, err := readAllRows(shards)
	if err != nil {
		return err
	}

	summary := Summary{TaskID: w.taskID, TotalRequests: len(rows)}
	if len(rows) > 0 {
		summary.TimeRange.Start = rows[0]["arrival_time"]
		summary.TimeRange.End = rows[len(rows)-1]["completion_time"]
	}

	summary.SummaryMetrics.TTFTMs = columnStats(rows, "ttft_ms")
	summary.SummaryMetrics.TPOTMs = columnStats(rows, "tpot_ms")
	summary.SummaryMetrics.TPS = columnStats(rows, "tps")
	summary.SummaryMetrics.E2ELatencyMs = columnStats(rows, "e2e_latency_ms")
	summary.SummaryMetrics.PromptTokens = columnStats(rows, "prompt_tokens")
	summary.SummaryMetrics.CompletionTokens = columnStats(rows, "completion_tokens")

	cached := columnValues(rows, "cached_tokens")
	var cachedAvg float64
	var cachedTotal int64
	if len(cached) > 0 {
		var sum float64
		for _, v := range cached {
			sum += v
			cachedTotal += int64(v)
		}
		cachedAvg = round2(sum / float64(len(cached)))
	}
	summary.SummaryMetrics.CachedTokens = CachedTokenStats{Avg: cachedAvg, Total: cachedTotal}

	if err := writeJSON(filepath.Join(w.dataDir, "performance_summary.json"), summary); err != nil {
		return err
	}

	return w.consolidateQAPairs()
}

func (w *Writer) consolidateQAPairs() error {
	shards, err := filepath.Glob(filepath.Join(w.dataDir, "qa_pairs_*.csv"))
	if err != nil {
		return fmt.Errorf("store: glob qa shards: %w", err)
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil
	}

	rows, err := readAllRows(shards)
	if err != nil {
		return err
	}

	return writeJSON(filepath.Join(w.dataDir, "qa_pairs.json"), rows)
}

// readAllRows reads every shard as a header-keyed map, preserving row
// order within and across shards (shards are passed pre-sorted by name).
func readAllRows(paths []string) ([]map[string]string, error) {
	var all []map[string]string
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", path, err)
		}
		rows, err := readCSVRows(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", path, err)
		}
		all = append(all, rows...)
	}
	return all, nil
}

func readCSVRows(f *os.File) ([]map[string]string, error) {
	stripBOM(f)
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func stripBOM(f *os.File) {
	buf := make([]byte, 3)
	n, _ := f.Read(buf)
	if n == 3 && buf[0] == utf8BOM[0] && buf[1] == utf8BOM[1] && buf[2] == utf8BOM[2] {
		return
	}
	f.Seek(0, 0)
}

func columnValues(rows []map[string]string, col string) []float64 {
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

func columnStats(rows []map[string]string, col string) MetricStats {
	values := columnValues(rows, col)
	if len(values) == 0 {
		return MetricStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}

	return MetricStats{
		Avg: round2(sum / float64(len(values))),
		P50: round2(quantile(sorted, 0.5)),
		P90: round2(quantile(sorted, 0.9)),
		P99: round2(quantile(sorted, 0.99)),
		Min: round2(sorted[0]),
		Max: round2(sorted[len(sorted)-1]),
	}
}

// quantile computes the same linear-interpolation quantile pandas uses by
// default, over an already-sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return nil
}
