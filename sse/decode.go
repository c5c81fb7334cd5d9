package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DoneMarker is the sentinel payload OpenAI-compatible servers send as the
// final data line of a stream.
const DoneMarker = "[DONE]"

// Delta is one decoded chat-completion chunk, pulled out of a frame's
// "data: " lines. Fields are zero when the chunk did not carry them.
type Delta struct {
	// Done is true for a literal "data: [DONE]" line; no other field is
	// populated in that case.
	Done bool

	ID            string
	Model         string
	Content       string
	HasContent    bool
	FinishReason  string
	Usage         *Usage
	Malformed     bool
}

// Usage mirrors the OpenAI-compatible "usage" object, including the two
// shapes different inference servers use for cache-hit accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	NumCachedTokens  int `json:"num_cached_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// CachedTokens returns the cache-hit count, preferring the nested
// prompt_tokens_details.cached_tokens shape (sglang/vLLM) and falling back
// to the flat num_cached_tokens field some servers use instead.
func (u *Usage) CachedTokens() int {
	if u == nil {
		return 0
	}
	if u.PromptTokensDetails != nil {
		return u.PromptTokensDetails.CachedTokens
	}
	return u.NumCachedTokens
}

type wireChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// DecodeFrame parses every "data:" line of a complete SSE frame into a
// Delta; the space after the colon is optional. A frame may legitimately
// carry more than one data line; callers iterate the returned slice in
// order. Lines that are blank, not prefixed with "data:", or carry an empty
// payload are skipped. A data line that fails to parse as JSON yields a
// Delta with only Malformed set, which metrics.Accumulator ignores, so it
// is not counted as a chunk.
func DecodeFrame(frame []byte) []Delta {
	text := string(bytes.TrimSpace(frame))
	if text == "" {
		return nil
	}

	var deltas []Delta
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		if payload == "" {
			continue
		}
		if payload == DoneMarker {
			deltas = append(deltas, Delta{Done: true})
			continue
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			deltas = append(deltas, Delta{Malformed: true})
			continue
		}

		d := Delta{ID: wc.ID, Model: wc.Model, Usage: wc.Usage}
		if len(wc.Choices) > 0 {
			d.Content = wc.Choices[0].Delta.Content
			d.HasContent = d.Content != ""
			if wc.Choices[0].FinishReason != nil {
				d.FinishReason = *wc.Choices[0].FinishReason
			}
		}
		deltas = append(deltas, d)
	}
	return deltas
}
