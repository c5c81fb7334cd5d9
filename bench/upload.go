package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UploadResult describes an externally supplied dataset accepted for
// replay, independent of any prior collection session.
type UploadResult struct {
	DatasetID   string `json:"dataset_id"`
	Path        string `json:"path"`
	RecordCount int    `json:"record_count"`
}

// UploadDataset saves an externally supplied QA dataset (JSON array or
// CSV with a "messages" column) under uploadDir as
// "upload_<timestamp>_<filename>" and reports how many records it contains
// (0 when the content does not parse or the extension is neither .json nor
// .csv). The messages themselves are not parsed here, and LoadDataset does
// not pick up the saved file, since it reads only qa_pairs.json or
// qa_pairs_*.csv.
func UploadDataset(uploadDir, filename string, content []byte, now time.Time) (UploadResult, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("bench: create upload dir: %w", err)
	}

	datasetID := fmt.Sprintf("upload_%s_%s", now.Format("20060102_150405"), filename)
	path := filepath.Join(uploadDir, datasetID)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("bench: write upload: %w", err)
	}

	count, err := countRecords(filename, content)
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{DatasetID: datasetID, Path: path, RecordCount: count}, nil
}

func countRecords(filename string, content []byte) (int, error) {
	switch {
	case strings.HasSuffix(filename, ".json"):
		var rows []json.RawMessage
		if err := json.Unmarshal(content, &rows); err != nil {
			return 0, nil
		}
		return len(rows), nil
	case strings.HasSuffix(filename, ".csv"):
		r := csv.NewReader(strings.NewReader(string(content)))
		records, err := r.ReadAll()
		if err != nil || len(records) == 0 {
			return 0, nil
		}
		return len(records) - 1, nil
	default:
		return 0, nil
	}
}
