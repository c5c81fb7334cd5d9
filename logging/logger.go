package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// IsDebugMode gates DebugLog/DebugRawLog output. Set from config at startup.
var IsDebugMode bool

// Log tags, kept as the teacher's short bracketed labels so log lines stay
// greppable even once logrus owns the formatting.
const (
	StreamTag        = "[ST]"
	NonStreamTag     = "[NS]"
	DoneTag          = "[ST-DONE]"
	DoneNonStreamTag = "[NS-DONE]"
	DebugTag         = "[DBG]"
	Separator        = "===================================="
)

// Logger wraps a logrus.Logger with the tagged helpers the rest of the
// sidecar calls, so call sites never touch logrus fields directly.
type Logger struct {
	*logrus.Logger
}

// NewLogger creates a new Logger instance writing colorized, timestamped
// text to stdout.
func NewLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return &Logger{Logger: l}
}

// StreamLog logs streaming requests.
func (l *Logger) StreamLog(format string, v ...interface{}) {
	l.WithField("tag", StreamTag).Infof(format, v...)
}

// NonStreamLog logs non-streaming requests.
func (l *Logger) NonStreamLog(format string, v ...interface{}) {
	l.WithField("tag", NonStreamTag).Infof(format, v...)
}

// DoneLog logs streaming completions.
func (l *Logger) DoneLog(format string, v ...interface{}) {
	l.WithField("tag", DoneTag).Infof(format, v...)
}

// DoneNonStreamLog logs non-streaming completions.
func (l *Logger) DoneNonStreamLog(format string, v ...interface{}) {
	l.WithField("tag", DoneNonStreamTag).Infof(format, v...)
}

// SeparatorLog prints a separator line between request groups.
func (l *Logger) SeparatorLog() {
	l.Info(Separator)
}

// ErrorLog logs errors.
func (l *Logger) ErrorLog(format string, v ...interface{}) {
	l.Errorf(format, v...)
}

// WarningLog logs warnings.
func (l *Logger) WarningLog(format string, v ...interface{}) {
	l.Warnf(format, v...)
}

// DebugLog logs debug messages, tagged, when debug mode is enabled.
func (l *Logger) DebugLog(format string, v ...interface{}) {
	if IsDebugMode {
		l.WithField("tag", DebugTag).Debugf(format, v...)
	}
}

// DebugRawLog logs a debug message with no tag prefix, when debug mode is
// enabled. Used for dumping raw payloads without drowning them in fields.
func (l *Logger) DebugRawLog(format string, v ...interface{}) {
	if IsDebugMode {
		l.Debugf(format, v...)
	}
}

// InfoLog logs informational messages.
func (l *Logger) InfoLog(format string, v ...interface{}) {
	l.Infof(format, v...)
}

// ProxyRequestLog logs one completed proxy request in a fixed field layout,
// convenient for log-based aggregation.
func (l *Logger) ProxyRequestLog(clientIP, method, path, userAgent string, reqSize int, isStream bool, upstreamStatus, clientStatus int, respSize int, durationMs int64) {
	l.WithFields(logrus.Fields{
		"client_ip":       clientIP,
		"method":          method,
		"path":            path,
		"user_agent":      userAgent,
		"req_size":        reqSize,
		"stream":          isStream,
		"upstream_status": upstreamStatus,
		"client_status":   clientStatus,
		"resp_size":       respSize,
		"duration_ms":     durationMs,
	}).Info("proxy request")
}
