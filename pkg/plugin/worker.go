package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

const maxLineSize = 4 << 20

// Worker is one live plugin execution unit.
type Worker interface {
	Send(ctx context.Context, inv Invocation) error
	// Events is closed once the worker has exited and its output is drained.
	Events() <-chan WorkerEvent
	// Err reports how the worker exited. Valid after Events is closed.
	Err() error
	// Terminate stops the worker forcefully. It is safe to call repeatedly.
	Terminate() error
}

type Launcher interface {
	Launch(ctx context.Context, d *Descriptor) (Worker, error)
}

// ProcessLauncher runs each plugin as a child process speaking JSON lines on
// stdin and stdout.
type ProcessLauncher struct {
	Env    []string
	Logger *slog.Logger
}

func (l ProcessLauncher) Launch(ctx context.Context, d *Descriptor) (Worker, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "plugin.worker", "plugin", d.Name)

	cmd := exec.Command(d.ExecPath, d.Args...)
	cmd.Dir = filepath.Dir(d.FilePath)
	cmd.Env = append(append(os.Environ(), l.Env...), "ACOPLE_PLUGIN_NAME="+d.Name)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open plugin stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open plugin stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open plugin stderr: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin %s: %w", d.Name, err)
	}
	log.Debug("Plugin worker started", "pid", cmd.Process.Pid)

	w := &processWorker{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan WorkerEvent),
		quit:   make(chan struct{}),
		log:    log,
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			log.Debug("Plugin stderr", "line", scanner.Text())
		}
	}()

	go w.readEvents(stdout, stderrDone)
	return w, nil
}

type processWorker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	events   chan WorkerEvent
	quit     chan struct{}
	quitOnce sync.Once

	writeMu sync.Mutex
	err     error
	log     *slog.Logger
}

func (w *processWorker) readEvents(stdout io.Reader, stderrDone <-chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		event, err := DecodeEvent(scanner.Bytes())
		if err != nil {
			w.log.Warn("Ignoring worker output", "error", err)
			continue
		}

		select {
		case w.events <- event:
		case <-w.quit:
		}
	}

	<-stderrDone
	w.err = w.cmd.Wait()
	close(w.events)
}

func (w *processWorker) Send(ctx context.Context, inv Invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}
	return nil
}

func (w *processWorker) Events() <-chan WorkerEvent {
	return w.events
}

func (w *processWorker) Err() error {
	return w.err
}

func (w *processWorker) Terminate() error {
	w.quitOnce.Do(func() { close(w.quit) })

	_ = w.stdin.Close()
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill plugin worker: %w", err)
	}
	return nil
}
