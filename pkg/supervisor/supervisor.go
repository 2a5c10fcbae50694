// Package supervisor runs adapter processes, restarts them with linear
// backoff and coordinates graceful then forced shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrForcedShutdown is returned by Run when adapters outlive the shutdown
// deadline.
var ErrForcedShutdown = errors.New("forced shutdown: adapters still running after deadline")

const (
	DefaultMaxRetries      = 5
	DefaultBackoffStep     = 2 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 20 * time.Second
)

type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateStopping State = "stopping"
	StateDisabled State = "disabled"
)

// Spec identifies one adapter executable.
type Spec struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// Process is a started adapter.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err reports the exit error; nil means a clean exit. Valid after Done.
	Err() error
	Terminate() error
	Kill() error
}

type Spawner interface {
	Spawn(spec Spec) (Process, error)
}

type Options struct {
	// MaxRetries is the number of restarts before an adapter is disabled.
	// Zero selects the default, a negative value disables restarts.
	MaxRetries int
	// Backoff returns the delay before restart number n, starting at 1.
	Backoff         func(n int) time.Duration
	KillTimeout     time.Duration
	ShutdownTimeout time.Duration
	// StatusInterval enables a periodic status log line when positive.
	StatusInterval time.Duration
	Logger         *slog.Logger
}

// LinearBackoff returns a backoff of step × n.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(n int) time.Duration { return step * time.Duration(n) }
}

// Record is a status snapshot of one adapter.
type Record struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type eventKind int

const (
	spawnRequested eventKind = iota + 1
	exitObserved
	killTimerFired
	shutdownRequested
	deadlineFired
)

type event struct {
	kind eventKind
	name string
	gen  uint64
	err  error
}

type record struct {
	spec      Spec
	state     State
	restarts  int
	gen       uint64
	proc      Process
	startedAt time.Time
	lastErr   error

	retry *time.Timer
	kill  *time.Timer
}

// Supervisor owns every adapter record. All state changes happen on the
// goroutine running Run; timers and exit watchers only enqueue events.
type Supervisor struct {
	specs   []Spec
	spawner Spawner
	opts    Options
	log     *slog.Logger

	events  chan event
	stopped chan struct{}

	mu           sync.RWMutex
	records      map[string]*record
	disabled     map[string]Record
	shuttingDown bool
	deadline     *time.Timer
	started      bool
}

func New(specs []Spec, spawner Spawner, opts Options) (*Supervisor, error) {
	if spawner == nil {
		return nil, errors.New("spawner is required")
	}

	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Name == "" || spec.Path == "" {
			return nil, fmt.Errorf("adapter spec %q: name and path are required", spec.Name)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("adapter %q is defined twice", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff == nil {
		opts.Backoff = LinearBackoff(DefaultBackoffStep)
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Supervisor{
		specs:    append([]Spec(nil), specs...),
		spawner:  spawner,
		opts:     opts,
		log:      log.With("component", "supervisor"),
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		records:  make(map[string]*record),
		disabled: make(map[string]Record),
	}, nil
}

// Run spawns every adapter and supervises them until ctx is cancelled and
// shutdown completes. It returns nil after a clean shutdown and
// ErrForcedShutdown when the deadline passes with adapters still alive.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.stopped)

	if len(s.specs) == 0 {
		s.log.Warn("No adapters configured")
	} else {
		names := make([]string, 0, len(s.specs))
		for _, spec := range s.specs {
			names = append(names, spec.Name)
		}
		s.log.Info("Starting adapters", "count", len(s.specs), "adapters", names)
	}

	s.mu.Lock()
	for _, spec := range s.specs {
		s.records[spec.Name] = &record{spec: spec}
		s.spawn(s.records[spec.Name])
	}
	s.mu.Unlock()

	var status <-chan time.Time
	if s.opts.StatusInterval > 0 {
		ticker := time.NewTicker(s.opts.StatusInterval)
		defer ticker.Stop()
		status = ticker.C
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			s.handle(event{kind: shutdownRequested})
		case ev := <-s.events:
			if ev.kind == deadlineFired {
				if s.forceExit() {
					return ErrForcedShutdown
				}
				continue
			}
			s.handle(ev)
		case <-status:
			s.logStatus()
		}

		if s.finished() {
			s.log.Info("All adapters stopped")
			return nil
		}
	}
}

func (s *Supervisor) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shuttingDown || len(s.records) > 0 {
		return false
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
	return true
}

// enqueue delivers an event to the loop unless Run has returned.
func (s *Supervisor) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Supervisor) handle(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.kind {
	case spawnRequested:
		rec, ok := s.records[ev.name]
		if !ok || rec.state != StateBackoff {
			return
		}
		rec.retry = nil
		if s.shuttingDown {
			delete(s.records, ev.name)
			return
		}
		s.spawn(rec)

	case exitObserved:
		rec, ok := s.records[ev.name]
		if !ok || rec.gen != ev.gen || rec.proc == nil {
			return
		}
		s.exited(rec, ev.err)

	case killTimerFired:
		rec, ok := s.records[ev.name]
		if !ok || rec.gen != ev.gen || rec.proc == nil {
			return
		}
		s.log.Warn("Adapter ignored terminate, killing", "adapter", rec.spec.Name, "pid", rec.proc.Pid())
		if err := rec.proc.Kill(); err != nil {
			s.log.Error("Adapter kill failed", "adapter", rec.spec.Name, "error", err)
		}

	case shutdownRequested:
		s.shutdown()
	}
}

// spawn starts rec's process. Caller holds s.mu.
func (s *Supervisor) spawn(rec *record) {
	rec.state = StateSpawning
	rec.gen++

	proc, err := s.spawner.Spawn(rec.spec)
	if err != nil {
		s.log.Error("Adapter failed to start", "adapter", rec.spec.Name, "path", rec.spec.Path, "error", err)
		s.failed(rec, err)
		return
	}

	rec.state = StateRunning
	rec.proc = proc
	rec.startedAt = time.Now()
	s.log.Info("Adapter started", "adapter", rec.spec.Name, "pid", proc.Pid(), "restarts", rec.restarts)

	name, gen := rec.spec.Name, rec.gen
	go func() {
		select {
		case <-proc.Done():
			s.enqueue(event{kind: exitObserved, name: name, gen: gen, err: proc.Err()})
		case <-s.stopped:
		}
	}()
}

// exited handles a process exit. Caller holds s.mu.
func (s *Supervisor) exited(rec *record, err error) {
	name := rec.spec.Name
	rec.proc = nil
	if rec.kill != nil {
		rec.kill.Stop()
		rec.kill = nil
	}

	switch {
	case s.shuttingDown:
		delete(s.records, name)
		s.log.Info("Adapter stopped", "adapter", name, "error", err)
	case err == nil:
		delete(s.records, name)
		s.log.Info("Adapter exited cleanly", "adapter", name)
	default:
		s.log.Error("Adapter exited", "adapter", name, "error", err)
		s.failed(rec, err)
	}
}

// failed schedules a restart or disables rec. Caller holds s.mu.
func (s *Supervisor) failed(rec *record, err error) {
	name := rec.spec.Name
	rec.lastErr = err
	rec.proc = nil

	if s.shuttingDown {
		delete(s.records, name)
		return
	}

	if rec.restarts >= s.opts.MaxRetries {
		rec.state = StateDisabled
		delete(s.records, name)
		s.disabled[name] = s.snapshot(rec)
		s.log.Error("Adapter disabled after repeated failures", "adapter", name, "restarts", rec.restarts)
		return
	}

	rec.restarts++
	rec.state = StateBackoff
	delay := s.opts.Backoff(rec.restarts)
	rec.retry = time.AfterFunc(delay, func() {
		s.enqueue(event{kind: spawnRequested, name: name})
	})
	s.log.Warn("Adapter restart scheduled", "adapter", name, "attempt", rec.restarts, "max_retries", s.opts.MaxRetries, "delay", delay)
}

// shutdown terminates every live adapter. Caller holds s.mu.
func (s *Supervisor) shutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.log.Info("Shutting down adapters", "live", len(s.records), "timeout", s.opts.ShutdownTimeout)

	for name, rec := range s.records {
		if rec.proc == nil {
			if rec.retry != nil {
				rec.retry.Stop()
			}
			delete(s.records, name)
			continue
		}

		rec.state = StateStopping
		if err := rec.proc.Terminate(); err != nil {
			s.log.Warn("Adapter terminate failed", "adapter", name, "error", err)
		}
		gen := rec.gen
		rec.kill = time.AfterFunc(s.opts.KillTimeout, func() {
			s.enqueue(event{kind: killTimerFired, name: name, gen: gen})
		})
	}

	if len(s.records) > 0 {
		s.deadline = time.AfterFunc(s.opts.ShutdownTimeout, func() {
			s.enqueue(event{kind: deadlineFired})
		})
	}
}

// forceExit kills whatever is left and reports whether anything was.
func (s *Supervisor) forceExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		return false
	}

	names := make([]string, 0, len(s.records))
	for name, rec := range s.records {
		names = append(names, name)
		if rec.kill != nil {
			rec.kill.Stop()
		}
		if rec.proc != nil {
			_ = rec.proc.Kill()
		}
	}
	sort.Strings(names)
	s.log.Error("Shutdown deadline passed, forcing exit", "adapters", names)
	return true
}

func (s *Supervisor) snapshot(rec *record) Record {
	out := Record{
		Name:      rec.spec.Name,
		Path:      rec.spec.Path,
		State:     rec.state,
		Restarts:  rec.restarts,
		StartedAt: rec.startedAt,
	}
	if rec.proc != nil {
		out.PID = rec.proc.Pid()
	}
	if rec.lastErr != nil {
		out.LastError = rec.lastErr.Error()
	}
	return out
}

// Status returns live and disabled adapters sorted by name.
func (s *Supervisor) Status() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records)+len(s.disabled))
	for _, rec := range s.records {
		out = append(out, s.snapshot(rec))
	}
	for _, rec := range s.disabled {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Disabled returns the names of adapters that exhausted their retries.
func (s *Supervisor) Disabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.disabled))
	for name := range s.disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running counts adapters with a live process.
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.records {
		if rec.state == StateRunning {
			n++
		}
	}
	return n
}

// Configured is the number of adapters the supervisor was created with.
func (s *Supervisor) Configured() int {
	return len(s.specs)
}

func (s *Supervisor) logStatus() {
	for _, rec := range s.Status() {
		s.log.Info("Adapter status",
			"adapter", rec.Name,
			"state", rec.State,
			"pid", rec.PID,
			"restarts", rec.Restarts,
		)
	}
}
