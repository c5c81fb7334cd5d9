package logging

import (
	"testing"
)

func TestLogger(t *testing.T) {
	logger := NewLogger()
	
	// Test that we can create a logger
	if logger == nil {
		t.Error("Failed to create logger")
	}
	
	// Test logging functions (these should not panic)
	logger.StreamLog("Test stream log")
	logger.NonStreamLog("Test non-stream log")
	logger.DoneLog("Test done log")
	logger.DoneNonStreamLog("Test done non-stream log")
	logger.SeparatorLog()
	logger.ErrorLog("Test error log")
	logger.WarningLog("Test warning log")
	logger.InfoLog("Test info log")
	logger.ProxyRequestLog("127.0.0.1", "POST", "/v1/chat/completions", "curl/8.0", 128, true, 200, 200, 4096, 1200)

	IsDebugMode = true
	defer func() { IsDebugMode = false }()
	logger.DebugLog("Test debug log")
	logger.DebugRawLog("raw payload: %s", "{}")
}