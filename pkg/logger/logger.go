package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"acople/pkg/config"
)

const (
	envFormat    = "ACOPLE_LOG_FORMAT"
	envLevel     = "ACOPLE_LOG_LEVEL"
	envAddSource = "ACOPLE_LOG_ADD_SOURCE"

	formatText = "text"
	formatJSON = "json"
)

// Entry is one line of JSON log output. The component and adapter_id
// attributes are promoted out of Fields.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	AdapterID string         `json:"adapter_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger on stderr. Adapter processes log to stderr
// too, so the supervisor relays their lines with the adapter prefix.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == formatText {
		return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(s.level),
			ReportTimestamp: true,
			ReportCaller:    s.addSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	}

	return slog.New(&jsonHandler{
		level:     s.level,
		addSource: s.addSource,
		writer:    writer,
		mu:        &sync.Mutex{},
	}), nil
}

// resolve merges the file settings with ACOPLE_LOG_* overrides.
func resolve(cfg config.LoggingConfig) (settings, error) {
	format := strings.ToLower(envOr(envFormat, cfg.Format))
	switch format {
	case "":
		format = formatText
	case formatText, formatJSON:
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(envOr(envLevel, cfg.Level))
	if err != nil {
		return settings{}, err
	}

	addSource := cfg.AddSource
	if raw := strings.TrimSpace(os.Getenv(envAddSource)); raw != "" {
		addSource = parseBool(raw)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(input string) (slog.Level, error) {
	switch strings.ToLower(input) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", input)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := Entry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		h.apply(fields, &entry, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.apply(fields, &entry, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) apply(fields map[string]any, entry *Entry, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(append(append([]string{}, h.groups...), attr.Key), ".")
	}

	if text, ok := attr.Value.Any().(string); ok {
		switch key {
		case "component":
			entry.Component = text
			return
		case "adapter_id":
			entry.AdapterID = text
			return
		}
	}

	fields[key] = attrValue(attr.Value)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return value.Int64()
	case slog.KindUint64:
		return value.Uint64()
	case slog.KindFloat64:
		return value.Float64()
	case slog.KindBool:
		return value.Bool()
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = attrValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.String()
	}
}
