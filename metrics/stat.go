// Package metrics accumulates per-request performance statistics from a
// decoded SSE event stream: time-to-first-token, end-to-end latency,
// decode-phase throughput, and upstream token accounting.
package metrics

import (
	"time"

	"github.com/han-hayden/llm-perf-sidecar/sse"
)

// Stat is one finished request's performance record, laid out in the fixed
// column order the rotating writer persists.
type Stat struct {
	RequestID      string
	Model          string
	ArrivalTime    time.Time
	CompletionTime time.Time
	PromptTokens   int
	ForwardCalTokens int
	CachedTokens   int
	CompletionTokens int
	TotalTokens    int
	TTFTMs         float64
	TPOTMs         float64
	TPS            float64
	E2ELatencyMs   float64
	ChunkCount     int
	Messages       []byte
	ResponseContent string
}

// Accumulator folds sse.Delta events into a Stat as a stream plays out. It
// is seeded at request arrival and is not safe for concurrent use by more
// than one goroutine — one Accumulator per in-flight request.
type Accumulator struct {
	requestID     string
	model         string
	arrival       time.Time
	firstToken    time.Time
	haveFirstTok  bool
	chunkCount    int
	usage         *sse.Usage
	serverID      string
	finishReason  string
	content       []byte
}

// NewAccumulator seeds an Accumulator at request arrival.
func NewAccumulator(requestID, model string, arrival time.Time) *Accumulator {
	return &Accumulator{requestID: requestID, model: model, arrival: arrival}
}

// Feed folds one decoded delta into the accumulator. Malformed deltas are
// skipped entirely — they never reached a "successfully decoded" event, so
// neither chunk_count nor content is affected. The [DONE] marker is
// likewise not an event: it carries no chunk of its own.
func (a *Accumulator) Feed(d sse.Delta) {
	a.FeedAt(d, time.Now())
}

// FeedAt is Feed with an explicit "chunk received at" timestamp, used by
// tests to make TTFT/TPOT/TPS deterministic.
func (a *Accumulator) FeedAt(d sse.Delta, now time.Time) {
	if d.Malformed || d.Done {
		return
	}
	a.chunkCount++
	if d.ID != "" && a.serverID == "" {
		a.serverID = d.ID
	}
	if d.Model != "" {
		a.model = d.Model
	}
	if d.Usage != nil {
		a.usage = d.Usage
	}
	if d.FinishReason != "" {
		a.finishReason = d.FinishReason
	}
	if d.HasContent {
		a.content = append(a.content, d.Content...)
		if !a.haveFirstTok {
			a.firstToken = now
			a.haveFirstTok = true
		}
	}
}

// ServerID returns the upstream-assigned id, if any chunk carried one.
func (a *Accumulator) ServerID() string { return a.serverID }

// FinishReason returns the last non-empty finish_reason observed.
func (a *Accumulator) FinishReason() string { return a.finishReason }

// ResponseContent returns the concatenated content observed so far.
func (a *Accumulator) ResponseContent() string { return string(a.content) }

// Usage returns the last usage object observed, or nil if the stream
// never carried one.
func (a *Accumulator) Usage() *sse.Usage { return a.usage }

// Finish computes the final Stat as of completionTime. Safe to call more
// than once (e.g. once on a timeout, and the accumulator is then
// discarded) since it only reads accumulated state.
func (a *Accumulator) Finish(completionTime time.Time) Stat {
	var ttft, decodeSeconds float64
	if a.haveFirstTok {
		ttft = a.firstToken.Sub(a.arrival).Seconds() * 1000
		decodeSeconds = completionTime.Sub(a.firstToken).Seconds()
	}
	e2e := completionTime.Sub(a.arrival).Seconds() * 1000

	var promptTokens, completionTokens, totalTokens, cachedTokens int
	if a.usage != nil {
		promptTokens = a.usage.PromptTokens
		completionTokens = a.usage.CompletionTokens
		totalTokens = a.usage.TotalTokens
		cachedTokens = a.usage.CachedTokens()
	}

	outputCount := completionTokens
	if outputCount <= 0 {
		outputCount = a.chunkCount - 1
		if outputCount < 0 {
			outputCount = 0
		}
	}

	var tpot, tps float64
	if outputCount > 0 && decodeSeconds > 0 {
		tpot = decodeSeconds * 1000 / float64(outputCount)
		tps = float64(outputCount) / decodeSeconds
	}

	return Stat{
		RequestID:        a.requestID,
		Model:            a.model,
		ArrivalTime:      a.arrival,
		CompletionTime:   completionTime,
		PromptTokens:     promptTokens,
		CachedTokens:     cachedTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		TTFTMs:           round2(ttft),
		TPOTMs:           round2(tpot),
		TPS:              round2(tps),
		E2ELatencyMs:     round2(e2e),
		ChunkCount:       a.chunkCount,
		ResponseContent:  string(a.content),
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+sign(f)*0.5)) / 100
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
