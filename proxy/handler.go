package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/han-hayden/llm-perf-sidecar/logging"
)

// responseWriterWrapper wraps http.ResponseWriter to capture the
// client-facing status code and response size for request logging.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += size
	return size, err
}

func (w *responseWriterWrapper) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Routes mounts the proxy surface: every method/path under /proxy/ is
// forwarded verbatim to the configured upstream, with metrics collection
// toggled by the collect=true query parameter.
func Routes(r chi.Router, f *Forwarder, logger *logging.Logger) {
	r.HandleFunc("/proxy/*", func(w http.ResponseWriter, r *http.Request) {
		handleProxyRequest(w, r, f, logger)
	})
}

func handleProxyRequest(w http.ResponseWriter, r *http.Request, f *Forwarder, logger *logging.Logger) {
	start := time.Now()

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusOK)
		return
	}

	clientIP := r.RemoteAddr
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		clientIP = ip
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		clientIP = ip
	}
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		userAgent = "unknown"
	}

	path := chi.URLParam(r, "*")
	if path == "" {
		path = r.URL.Path
	} else {
		path = "/" + path
	}

	collectMetrics := r.URL.Query().Get("collect") == "true"

	var bodyBytes []byte
	if r.ContentLength > 0 {
		bodyBytes, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	isStreaming := checkIfStreaming(bodyBytes)

	wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
	f.Forward(wrapped, r, path, collectMetrics)

	logger.ProxyRequestLog(
		clientIP, r.Method, path, userAgent,
		int(r.ContentLength), isStreaming,
		wrapped.statusCode, wrapped.statusCode, wrapped.size,
		time.Since(start).Milliseconds(),
	)
}

func checkIfStreaming(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var peek struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return false
	}
	return peek.Stream
}
