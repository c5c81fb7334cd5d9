package utils

import "encoding/json"

// ParseMessages normalizes the "messages" field of a QA record into a JSON
// array of chat messages. The field may already be a JSON array, a
// JSON-encoded string holding an array, or a bare non-JSON string — in the
// last case it is wrapped as a single user message.
func ParseMessages(raw json.RawMessage) json.RawMessage {
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("[]")
	}

	if trimmed[0] == '[' {
		return raw
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return json.RawMessage("[]")
	}

	var nested []json.RawMessage
	if err := json.Unmarshal([]byte(asString), &nested); err == nil {
		return json.RawMessage(asString)
	}

	wrapped, _ := json.Marshal([]map[string]string{
		{"role": "user", "content": asString},
	})
	return wrapped
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
