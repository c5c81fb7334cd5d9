package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/han-hayden/llm-perf-sidecar/analysis"
	"github.com/han-hayden/llm-perf-sidecar/bench"
	"github.com/han-hayden/llm-perf-sidecar/catalog"
	"github.com/han-hayden/llm-perf-sidecar/collect"
	"github.com/han-hayden/llm-perf-sidecar/config"
	"github.com/han-hayden/llm-perf-sidecar/logging"
	"github.com/han-hayden/llm-perf-sidecar/metricsapi"
	"github.com/han-hayden/llm-perf-sidecar/proxy"
	"github.com/han-hayden/llm-perf-sidecar/registry"
)

func main() {
	cfg := config.LoadConfig()

	var debugFlag bool
	flag.BoolVar(&debugFlag, "debug", cfg.Logging.IsDebugMode, "Enable debug mode for verbose logging")
	flag.Parse()
	logging.IsDebugMode = debugFlag

	logger := logging.NewLogger()

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		logger.ErrorLog("failed to create data dir %s: %v", cfg.Store.DataDir, err)
		os.Exit(1)
	}

	reg, err := registry.NewFileRegistry(cfg.Registry.Path, logger)
	if err != nil {
		logger.ErrorLog("failed to start proxy target registry: %v", err)
		os.Exit(1)
	}
	defer reg.Close()

	taskCatalog, err := catalog.OpenSQLiteCatalog(cfg.Catalog.Path)
	if err != nil {
		logger.ErrorLog("failed to open task catalog: %v", err)
		os.Exit(1)
	}
	defer taskCatalog.Close()

	sessions := collect.NewManager(taskCatalog, cfg.Store.DataDir, cfg.Store.MaxRecordsPerFile, cfg.Store.FlushIntervalSecs, cfg.Store.FlushBatch)

	forwarder := proxy.NewForwarder(cfg.StreamingHTTPClient(), reg, sessions, logger)

	benchRunner := bench.NewRunner(cfg.SharedHTTPClient(), taskCatalog, cfg.Store.DataDir, cfg.Store.MaxRecordsPerFile, cfg.Store.FlushBatch, logger)

	// No analysis engine ships by default; the registry exists so one can
	// be registered later without any caller needing to change.
	_ = analysis.NewRegistry()

	router := chi.NewRouter()
	proxy.Routes(router, forwarder, logger)
	bench.Routes(router, benchRunner, cfg.Store.DataDir+"/uploads")
	registerCollectionRoutes(router, sessions)
	router.Mount("/internal/metrics", metricsapi.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	debugStatus := ""
	if logging.IsDebugMode {
		debugStatus = " [DEBUG ON]"
	}
	logger.InfoLog("llm-perf-sidecar starting on port %s%s", cfg.Server.Port, debugStatus)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorLog("server failed: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.InfoLog("shutting down")

	if sessions.HasActive() {
		if err := sessions.Stop(sessions.ActiveTaskID()); err != nil {
			logger.ErrorLog("failed to stop active collection session: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.ErrorLog("graceful shutdown failed: %v", err)
	}
}

// registerCollectionRoutes wires the small control surface for starting
// and stopping a collection session, which the proxy forwarder feeds
// records into whenever one is active.
func registerCollectionRoutes(r chi.Router, sessions *collect.Manager) {
	r.Post("/api/collect/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string `json:"name"`
			StopType  string `json:"stop_type"`
			StopValue int    `json:"stop_value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		stopType := collect.StopByCount
		if req.StopType == string(collect.StopByDuration) {
			stopType = collect.StopByDuration
		}
		result, err := sessions.Start(req.Name, stopType, req.StopValue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	r.Post("/api/collect/{task_id}/stop", func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		if err := sessions.Stop(taskID); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "status": "stopped"})
	})
}
