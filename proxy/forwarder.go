// Package proxy implements the end-to-end forwarding pipeline: header
// sanitation, payload rewrite to force streaming-with-usage, the upstream
// call, and response-mode selection between pass-through,
// streaming-with-capture, and SSE-to-JSON reassembly.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/han-hayden/llm-perf-sidecar/collect"
	"github.com/han-hayden/llm-perf-sidecar/logging"
	"github.com/han-hayden/llm-perf-sidecar/metrics"
	"github.com/han-hayden/llm-perf-sidecar/registry"
	"github.com/han-hayden/llm-perf-sidecar/sse"
	"github.com/han-hayden/llm-perf-sidecar/store"
	"github.com/han-hayden/llm-perf-sidecar/utils"
)

var hopByHopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
}

// Forwarder is the proxy's core request pipeline (C6). It holds no
// per-request state; everything here is safe to share across concurrent
// requests.
type Forwarder struct {
	client   *http.Client
	registry registry.Registry
	sessions *collect.Manager
	logger   *logging.Logger
}

// NewForwarder builds a Forwarder that dispatches upstream requests with
// client, resolves the target via reg, and routes captured stats into
// sessions.
func NewForwarder(client *http.Client, reg registry.Registry, sessions *collect.Manager, logger *logging.Logger) *Forwarder {
	return &Forwarder{client: client, registry: reg, sessions: sessions, logger: logger}
}

// requestPayload is the subset of a chat-completions request body the
// forwarder inspects and, when collecting metrics, rewrites.
type requestPayload struct {
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	Model         string          `json:"model"`
	Messages      json.RawMessage `json:"messages"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Forward implements the full pipeline for one client request against
// path, forwarded to host:port. collectMetrics selects whether the
// request is metrics-instrumented at all.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, path string, collectMetrics bool) {
	requestID := uuid.NewString()
	arrival := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	headers := sanitizeHeaders(r.Header)

	target, err := f.registry.Target()
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err), http.StatusBadGateway)
		return
	}
	targetURL := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, path)

	var payload requestPayload
	originalStream := true
	originalIncludeUsage := false
	forceConversion := false

	if collectMetrics && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			collectMetrics = false
		} else {
			originalStream = payload.Stream
			if payload.StreamOptions != nil {
				originalIncludeUsage = payload.StreamOptions.IncludeUsage
			}
			forceConversion = !originalStream

			rewritten, err := rewriteBodyForStreaming(body)
			if err != nil {
				collectMetrics = false
			} else {
				body = rewritten
			}
		}
	}

	headers.Set("Content-Length", strconv.Itoa(len(body)))

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	req.Header = headers

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.ErrorLog("proxy dispatch failed: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if !collectMetrics {
		f.passThrough(w, resp)
		return
	}

	meta := requestMeta{
		requestID:            requestID,
		arrival:              arrival,
		model:                payload.Model,
		messages:             payload.Messages,
		originalIncludeUsage: originalIncludeUsage,
	}

	if forceConversion {
		f.collectAndConvert(w, resp, meta)
	} else {
		f.collectStreaming(w, resp, meta)
	}
}

type requestMeta struct {
	requestID            string
	arrival              time.Time
	model                string
	messages             json.RawMessage
	originalIncludeUsage bool
}

func sanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}

func rewriteBodyForStreaming(body []byte) ([]byte, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	raw["stream"] = true
	opts, ok := raw["stream_options"].(map[string]interface{})
	if !ok {
		opts = map[string]interface{}{}
	}
	opts["include_usage"] = true
	raw["stream_options"] = opts
	return json.Marshal(raw)
}

func (f *Forwarder) passThrough(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.ErrorLog("error copying pass-through body: %v", err)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// collectStreaming forwards each complete SSE frame to the client as it
// is produced, feeding a parallel metrics accumulator, and on stream end
// hands the finished stat off to the active collection session.
func (f *Forwarder) collectStreaming(w http.ResponseWriter, resp *http.Response, meta requestMeta) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	reader := sse.NewFrameReader()
	acc := metrics.NewAccumulator(meta.requestID, meta.model, meta.arrival)

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames := reader.Feed(buf[:n])
			for _, frame := range frames {
				if _, err := w.Write(frame); err != nil {
					f.logger.ErrorLog("error writing to client: %v", err)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
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
		if _, err := w.Write(tail); err != nil {
			f.logger.ErrorLog("error writing trailing fragment to client: %v", err)
		} else if flusher != nil {
			flusher.Flush()
		}
		for _, d := range sse.DecodeFrame(tail) {
			acc.Feed(d)
		}
	}

	f.emitStat(acc, meta, time.Now())
}

// collectAndConvert consumes the whole upstream stream without yielding
// to the client, then emits one reassembled JSON chat-completion body.
func (f *Forwarder) collectAndConvert(w http.ResponseWriter, resp *http.Response, meta requestMeta) {
	reader := sse.NewFrameReader()
	acc := metrics.NewAccumulator(meta.requestID, meta.model, meta.arrival)

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
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

	completion := time.Now()
	finishReason := acc.FinishReason()
	if finishReason == "" {
		finishReason = "stop"
	}
	id := acc.ServerID()
	if id == "" {
		id = meta.requestID
	}

	stat := acc.Finish(completion)

	response := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"created": meta.arrival.Unix(),
		"model":   stat.Model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": stat.ResponseContent},
				"finish_reason": finishReason,
			},
		},
	}

	if usage := acc.Usage(); meta.originalIncludeUsage && usage != nil {
		response["usage"] = usage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		f.logger.ErrorLog("error writing reassembled response: %v", err)
	}

	f.routeStat(stat, meta)
}

func (f *Forwarder) emitStat(acc *metrics.Accumulator, meta requestMeta, completion time.Time) {
	stat := acc.Finish(completion)
	f.routeStat(stat, meta)
}

func (f *Forwarder) routeStat(stat metrics.Stat, meta requestMeta) {
	if f.sessions == nil || !f.sessions.HasActive() {
		return
	}
	rec := store.Record{
		Stat:     stat,
		Messages: utils.ParseMessages(meta.messages),
	}
	if err := f.sessions.AddRecord(rec); err != nil {
		f.logger.ErrorLog("error routing stat to collection session: %v", err)
	}
}
