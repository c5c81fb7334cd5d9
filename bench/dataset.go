// Package bench implements the benchmark replayer: it takes the QA pairs
// captured by an earlier collection session and replays them against a
// target host, sequentially or with bounded concurrency, through the same
// metrics pipeline the live proxy uses.
package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// QARecord is one replayable request: the model and chat messages a
// collection session previously captured.
type QARecord struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
}

// LoadDataset loads the QA pairs under dataDir, preferring the
// consolidated qa_pairs.json a finalized collection session writes and
// falling back to concatenating the raw qa_pairs_*.csv shards when no
// consolidated file exists yet (e.g. a session that was never finalized).
func LoadDataset(dataDir string) ([]QARecord, error) {
	jsonPath := filepath.Join(dataDir, "qa_pairs.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return loadFromJSON(jsonPath)
	}

	shards, err := filepath.Glob(filepath.Join(dataDir, "qa_pairs_*.csv"))
	if err != nil {
		return nil, fmt.Errorf("bench: glob qa shards: %w", err)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("bench: no qa_pairs.json or qa_pairs_*.csv under %s", dataDir)
	}
	sort.Strings(shards)
	return loadFromCSVShards(shards)
}

func loadFromJSON(path string) ([]QARecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bench: read %s: %w", path, err)
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("bench: parse %s: %w", path, err)
	}
	records := make([]QARecord, 0, len(rows))
	for _, row := range rows {
		var model string
		_ = json.Unmarshal(row["model"], &model)
		records = append(records, QARecord{
			Model:    model,
			Messages: row["messages"],
		})
	}
	return records, nil
}

func loadFromCSVShards(paths []string) ([]QARecord, error) {
	var records []QARecord
	for _, path := range paths {
		rows, err := readCSVShard(path)
		if err != nil {
			return nil, err
		}
		records = append(records, rows...)
	}
	return records, nil
}

func readCSVShard(path string) ([]QARecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bench: open %s: %w", path, err)
	}
	defer f.Close()

	stripBOM(f)
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("bench: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	modelCol, messagesCol := -1, -1
	for i, col := range header {
		switch col {
		case "model":
			modelCol = i
		case "messages":
			messagesCol = i
		}
	}

	records := make([]QARecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := QARecord{}
		if modelCol >= 0 && modelCol < len(row) {
			rec.Model = row[modelCol]
		}
		if messagesCol >= 0 && messagesCol < len(row) {
			rec.Messages, _ = json.Marshal(row[messagesCol])
		}
		records = append(records, rec)
	}
	return records, nil
}

var utf8BOM = [3]byte{0xEF, 0xBB, 0xBF}

func stripBOM(f *os.File) {
	buf := make([]byte, 3)
	n, _ := f.Read(buf)
	if n == 3 && buf[0] == utf8BOM[0] && buf[1] == utf8BOM[1] && buf[2] == utf8BOM[2] {
		return
	}
	f.Seek(0, 0)
}
