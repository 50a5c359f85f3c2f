// Package telemetry provides structured logging and atomic counters shared
// across the engine, in the style of the distributed caching system's
// request logging middleware: JSON log lines keyed by a correlation id,
// leveled by severity rather than HTTP status.
package telemetry

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger emits structured JSON log lines. The zero value is a usable logger
// that writes to the standard library's default logger.
type Logger struct {
	// Silence disables all output.
	Silence bool
}

// NewCorrelationID returns a fresh correlation id for a single engine
// decision (a fetch attempt, a mutation invocation, an invalidation call).
func NewCorrelationID() string {
	return uuid.New().String()
}

// Event logs a structured event about a canonical key.
func (lg *Logger) Event(level Level, correlationID, key, message string, fields map[string]any) {
	if lg.Silence {
		return
	}

	entry := map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"correlation_id": correlationID,
		"key":            key,
		"message":        message,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[%s] %s", level, data)
}
