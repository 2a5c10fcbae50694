// Package pluginkit is the plugin side of the worker protocol: it reads
// invocations from stdin and writes log, response and error events to stdout.
package pluginkit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"acople/pkg/message"
	"acople/pkg/plugin"
)

const maxLineSize = 4 << 20

// Request is one invocation as seen by a plugin handler.
type Request struct {
	Message     *message.UniversalMessage
	Args        string
	FullContext *message.UniversalMessage
}

// Reply is the text (and optional attachments) published in answer.
type Reply struct {
	Text        string
	Attachments []message.Attachment
}

type Handler func(ctx context.Context, req Request) (Reply, error)

// writeMu serializes every event line a plugin process writes.
var writeMu sync.Mutex

func emit(out io.Writer, event plugin.WorkerEvent) error {
	line, err := plugin.EncodeEvent(event)
	if err != nil {
		return err
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Serve answers invocations from in until in reaches EOF or ctx ends. Every
// invocation gets exactly one response or error event, including when the
// handler panics.
func Serve(ctx context.Context, in io.Reader, out io.Writer, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var inv plugin.Invocation
		if err := json.Unmarshal(line, &inv); err != nil {
			if err := emit(out, plugin.ErrorEvent{Message: "invalid invocation: " + err.Error()}); err != nil {
				return err
			}
			continue
		}

		if err := emit(out, answer(ctx, out, handler, inv)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read invocations: %w", err)
	}
	return ctx.Err()
}

func answer(ctx context.Context, out io.Writer, handler Handler, inv plugin.Invocation) (event plugin.WorkerEvent) {
	defer func() {
		if r := recover(); r != nil {
			Logger(out).Error("Plugin handler panicked", "panic", r)
			event = plugin.ErrorEvent{Message: fmt.Sprintf("panic: %v", r), Original: inv.Message}
		}
	}()

	fullContext := inv.FullContext
	if fullContext == nil {
		fullContext = inv.Message
	}

	reply, err := handler(ctx, Request{Message: inv.Message, Args: inv.Args, FullContext: fullContext})
	if err != nil {
		return plugin.ErrorEvent{Message: err.Error(), Original: inv.Message}
	}
	return plugin.ResponseEvent{Original: inv.Message, Text: reply.Text, Attachments: reply.Attachments}
}
