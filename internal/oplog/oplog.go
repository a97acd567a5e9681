package oplog

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/walfile"
)

// Entry is one line of the operations audit log.
type Entry struct {
	TS    time.Time      `json:"ts"`
	Op    string         `json:"op"`
	Level string         `json:"level"`
	Data  map[string]any `json:"data,omitempty"`
}

// Logger appends structured audit entries to an NDJSON file and mirrors them
// to zap. Logging is purely additive: it never fails the calling operation,
// so every error in here is swallowed after a zap warning.
type Logger struct {
	w    *walfile.Writer
	path string
	log  *zap.Logger
}

func New(w *walfile.Writer, path string, log *zap.Logger) *Logger {
	return &Logger{w: w, path: path, log: log}
}

func (l *Logger) Log(op string, data map[string]any) {
	e := Entry{TS: time.Now().UTC(), Op: op, Level: levelFor(op), Data: data}

	b, err := json.Marshal(e)
	if err == nil {
		if aerr := l.w.Append(l.path, string(b)); aerr != nil {
			l.log.Warn("oplog append failed", zap.String("op", op), zap.Error(aerr))
		}
	}

	fields := []zap.Field{zap.String("op", op)}
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch e.Level {
	case "error":
		l.log.Error("operation", fields...)
	case "warn":
		l.log.Warn("operation", fields...)
	default:
		l.log.Info("operation", fields...)
	}
}

// Recent returns up to limit newest entries, optionally filtered by level.
// Unparsable lines are skipped.
func (l *Logger) Recent(limit int, level string) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	lines, err := walfile.ReadLines(l.path)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(lines[i]), &e); err != nil {
			continue
		}
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func levelFor(op string) string {
	switch {
	case strings.HasSuffix(op, "_ERROR"), strings.HasSuffix(op, "_FAILED"):
		return "error"
	case strings.HasSuffix(op, "_RETRY"), strings.HasSuffix(op, "_WARN"):
		return "warn"
	default:
		return "info"
	}
}
