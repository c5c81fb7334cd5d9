package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/han-hayden/llm-perf-sidecar/logging"
	"github.com/han-hayden/llm-perf-sidecar/registry"
)

type fakeRegistry struct {
	host string
	port int
	err  error
}

func (f *fakeRegistry) Target() (registry.Target, error) {
	if f.err != nil {
		return registry.Target{}, f.err
	}
	return registry.Target{Host: f.host, Port: f.port}, nil
}
func (f *fakeRegistry) Close() error { return nil }

func upstreamTarget(t *testing.T, ts *httptest.Server) *fakeRegistry {
	t.Helper()
	u := strings.TrimPrefix(ts.URL, "http://")
	parts := strings.Split(u, ":")
	host := parts[0]
	port := 0
	fmt.Sscanf(parts[1], "%d", &port)
	return &fakeRegistry{host: host, port: port}
}

func testLogger() *logging.Logger {
	l := logging.NewLogger()
	return l
}

// TestForwarderPassThroughByteIdentical covers invariant 7: when metrics
// collection is off, the response body and status reach the client
// unmodified.
func TestForwarderPassThroughByteIdentical(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultClient, upstreamTarget(t, upstream), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{"model":"x"}`)))
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", false)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q, want byte-identical passthrough", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream header to be copied through")
	}
}

// TestForwarderSanitizesHopByHopHeaders covers invariant 6.
func TestForwarderSanitizesHopByHopHeaders(t *testing.T) {
	var seenHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultClient, upstreamTarget(t, upstream), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Host", "client-supplied-host")
	req.Header.Set("Transfer-Encoding", "chunked")
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", false)

	if got := seenHeaders.Get("Transfer-Encoding"); got != "" {
		t.Errorf("Transfer-Encoding leaked through: %q", got)
	}
	if got := seenHeaders.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("expected non-hop-by-hop header preserved, got %q", got)
	}
}

// TestForwarderStreamingForwardsFramesVerbatim covers invariant 1: every
// byte the upstream writes reaches the client in streaming-with-capture
// mode.
func TestForwarderStreamingForwardsFramesVerbatim(t *testing.T) {
	const sseBody = "data: {\"id\":\"r1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody))
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultClient, upstreamTarget(t, upstream), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{"model":"m","stream":true}`)))
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", true)

	if rec.Body.String() != sseBody {
		t.Fatalf("streamed body mismatch:\ngot:  %q\nwant: %q", rec.Body.String(), sseBody)
	}
}

// TestForwarderReassemblyProducesSingleJSONBody covers invariant 2 and
// scenario S3: a non-streaming client request against a streaming
// upstream gets exactly one well-formed JSON body back, with no "usage"
// key when the client never asked for it.
func TestForwarderReassemblyProducesSingleJSONBody(t *testing.T) {
	const sseBody = "data: {\"id\":\"r1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected upstream request to be rewritten with stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody))
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultClient, upstreamTarget(t, upstream), nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{"model":"m","stream":false}`)))
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", true)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not well-formed JSON: %v\nbody: %s", err, rec.Body.String())
	}
	if resp["object"] != "chat.completion" {
		t.Errorf("object = %v, want chat.completion", resp["object"])
	}
	if _, hasUsage := resp["usage"]; hasUsage {
		t.Errorf("usage key present though client never requested it: %v", resp["usage"])
	}
	choices, ok := resp["choices"].([]interface{})
	if !ok || len(choices) != 1 {
		t.Fatalf("choices = %v, want exactly one", resp["choices"])
	}
	choice := choices[0].(map[string]interface{})
	message := choice["message"].(map[string]interface{})
	if message["content"] != "Hello" {
		t.Errorf("content = %q, want Hello", message["content"])
	}
	if choice["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v, want stop", choice["finish_reason"])
	}
}

// TestForwarderDispatchFailureReturns502 covers the no-upstream-available
// error path.
func TestForwarderDispatchFailureReturns502(t *testing.T) {
	f := NewForwarder(http.DefaultClient, &fakeRegistry{host: "127.0.0.1", port: 1}, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", false)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

// TestForwarderNoTargetReturns502 covers the registry-empty error path.
func TestForwarderNoTargetReturns502(t *testing.T) {
	f := NewForwarder(http.DefaultClient, &fakeRegistry{err: registry.ErrNoTarget}, nil, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/proxy/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	f.Forward(rec, req, "/v1/chat/completions", false)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}
