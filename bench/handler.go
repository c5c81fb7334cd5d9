package bench

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type startRequest struct {
	Name          string `json:"name"`
	SourceDataDir string `json:"source_data_dir"`
	TargetHost    string `json:"target_host"`
	TargetPort    int    `json:"target_port"`
	Mode          string `json:"replay_mode"`
	Concurrency   int    `json:"concurrency"`
	DelayMs       int    `json:"delay_ms"`
	TimeoutS      int    `json:"timeout_s"`
}

// Routes mounts the benchmark control surface: starting a replay,
// polling its progress, and uploading an external dataset.
func Routes(r chi.Router, runner *Runner, uploadDir string) {
	r.Post("/api/benchmark/start", func(w http.ResponseWriter, r *http.Request) {
		handleStart(w, r, runner)
	})
	r.Get("/api/benchmark/{task_id}/progress", func(w http.ResponseWriter, r *http.Request) {
		handleProgress(w, r, runner)
	})
	r.Post("/api/benchmark/upload-dataset", func(w http.ResponseWriter, r *http.Request) {
		handleUpload(w, r, uploadDir)
	})
}

func handleStart(w http.ResponseWriter, r *http.Request, runner *Runner) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Concurrency <= 0 {
		req.Concurrency = 1
	}
	if req.TimeoutS <= 0 {
		req.TimeoutS = 60
	}
	mode := Sequential
	if req.Mode == string(Concurrent) {
		mode = Concurrent
	}

	result, err := runner.Start(req.SourceDataDir, StartOptions{
		Name:        req.Name,
		TargetHost:  req.TargetHost,
		TargetPort:  req.TargetPort,
		Mode:        mode,
		Concurrency: req.Concurrency,
		DelayMs:     req.DelayMs,
		TimeoutS:    req.TimeoutS,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func handleProgress(w http.ResponseWriter, r *http.Request, runner *Runner) {
	taskID := chi.URLParam(r, "task_id")
	progress := runner.Progress(taskID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progress)
}

func handleUpload(w http.ResponseWriter, r *http.Request, uploadDir string) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}

	result, err := UploadDataset(uploadDir, header.Filename, content, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
