package pluginkit

import (
	"io"
	"log/slog"
	"strings"

	"acople/pkg/plugin"
)

type eventWriter struct {
	out io.Writer
}

// Write turns one formatted record into a log event.
func (w eventWriter) Write(p []byte) (int, error) {
	if err := emit(w.out, plugin.LogEvent{Message: strings.TrimSpace(string(p))}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Logger returns a logger whose records travel to the dispatcher as log
// events on out. Timestamps are left to the dispatcher's own logger.
func Logger(out io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(eventWriter{out: out}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}
