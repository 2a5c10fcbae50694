package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"acople/pkg/bus"
	"acople/pkg/message"
	"acople/pkg/store"
)

const (
	// ResponseAuthorID is the author id of every plugin response.
	ResponseAuthorID = "bot_plugin"

	defaultTurnTimeout = 2 * time.Minute
	defaultInboxSize   = 32
	retireTimeout      = 5 * time.Second
	publishTimeout     = 10 * time.Second
)

var errDispatcherClosed = errors.New("dispatcher closed")

// State is the lifecycle of one plugin name.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	default:
		return "unregistered"
	}
}

type Deps struct {
	Bus      bus.Bus
	Store    store.Store
	Registry *Registry
	Loader   Loader
	Policy   Policy
	Pool     *Pool
	Launcher Launcher
}

type Options struct {
	// TurnTimeout bounds how long a worker may take to answer one invocation.
	TurnTimeout time.Duration
	InboxSize   int
	Logger      *slog.Logger
}

// Dispatcher matches command messages from the bus to plugins and runs them.
// Each plugin name has one lane goroutine that owns its worker, so
// invocations of the same plugin are serialized onto a single worker. Live
// workers hold a pool slot; idle ones are retired when a launch is waiting.
type Dispatcher struct {
	bus      bus.Bus
	store    store.Store
	registry *Registry
	loader   Loader
	policy   Policy
	pool     *Pool
	launcher Launcher

	turnTimeout time.Duration
	inboxSize   int
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	active map[string]*lane
	closed bool

	// idle holds lanes whose worker is alive between turns, with the time
	// they went idle. slotWaiters counts lanes blocked waiting for a slot.
	idle        map[*lane]time.Time
	slotWaiters int

	subscribed atomic.Bool
}

type job struct {
	msg  *message.UniversalMessage
	args string
}

type lane struct {
	name   string
	inbox  chan job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	evict  chan struct{}
}

func NewDispatcher(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	pool := deps.Pool
	if pool == nil {
		pool = NewPool(0)
	}
	launcher := deps.Launcher
	if launcher == nil {
		launcher = ProcessLauncher{Logger: log}
	}
	policy := deps.Policy
	if policy.sudo == nil {
		policy = NewPolicy(nil, "", nil)
	}
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	inboxSize := opts.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bus:         deps.Bus,
		store:       deps.Store,
		registry:    registry,
		loader:      deps.Loader,
		policy:      policy,
		pool:        pool,
		launcher:    launcher,
		turnTimeout: turnTimeout,
		inboxSize:   inboxSize,
		log:         log.With("component", "plugin.dispatcher"),
		ctx:         ctx,
		cancel:      cancel,
		lanes:       make(map[string]*lane),
		active:      make(map[string]*lane),
		idle:        make(map[*lane]time.Time),
	}, nil
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) Pool() *Pool { return d.pool }

// Ready reports whether the bus subscription is live.
func (d *Dispatcher) Ready() bool { return d.subscribed.Load() }

// Run consumes the bus until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	msgs, unsubscribe, err := d.bus.Subscribe(ctx, 0)
	if err != nil {
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}
	defer unsubscribe()

	d.subscribed.Store(true)
	defer d.subscribed.Store(false)

	d.log.Info("Plugin dispatcher listening", "plugins", d.registry.Len(), "prefix", d.loader.Prefix, "max_workers", d.pool.Size())

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return bus.ErrClosed
			}
			_ = d.Handle(msg)
		}
	}
}

// Handle routes one bus message. It never blocks on workers: matched
// invocations are queued on the plugin's lane.
func (d *Dispatcher) Handle(msg *message.UniversalMessage) error {
	text, ok := d.command(msg)
	if !ok {
		return ErrNoMatch
	}

	descriptor, args, ok := d.registry.Match(text)
	if !ok {
		d.log.Debug("No plugin matches", "text", text)
		return ErrNoMatch
	}

	if err := d.policy.Allow(descriptor, msg); err != nil {
		d.log.Warn("Plugin invocation denied",
			"plugin", descriptor.Name,
			"author_id", msg.Author.ID,
			"adapter_id", msg.AdapterID,
			"chat_id", msg.Conversation.ID,
			"reason", err,
		)
		return err
	}

	return d.enqueue(descriptor.Name, job{msg: msg, args: args})
}

func (d *Dispatcher) command(msg *message.UniversalMessage) (string, bool) {
	if msg == nil || msg.EventType != message.EventMessage || msg.Author.Bot || msg.IsPluginResponse {
		return "", false
	}

	text := strings.TrimSpace(msg.Text())
	if text == "" || !strings.HasPrefix(text, d.loader.Prefix) {
		return "", false
	}
	return text, true
}

// enqueue queues j on the plugin's lane. A full inbox never stalls the
// caller: the invocation waits for room on its own goroutine until the lane
// stops.
func (d *Dispatcher) enqueue(name string, j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDispatcherClosed
	}

	l, ok := d.lanes[name]
	if !ok {
		ctx, cancel := context.WithCancel(d.ctx)
		l = &lane{
			name:   name,
			inbox:  make(chan job, d.inboxSize),
			ctx:    ctx,
			cancel: cancel,
			done:   make(chan struct{}),
			evict:  make(chan struct{}, 1),
		}
		d.lanes[name] = l
		d.wg.Add(1)
		go d.runLane(l)
	}

	d.log.Info("Plugin invoked", "plugin", name, "args", j.args, "universal_id", j.msg.UniversalID)
	select {
	case l.inbox <- j:
		return nil
	default:
	}

	d.log.Debug("Plugin inbox full, waiting for room", "plugin", name, "inbox_size", d.inboxSize)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case l.inbox <- j:
		case <-l.ctx.Done():
			d.log.Warn("Plugin stopped before a queued invocation ran", "plugin", name, "universal_id", j.msg.UniversalID)
		}
	}()
	return nil
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()
	defer close(l.done)

	var w Worker
	defer func() {
		if w != nil {
			d.retire(l, w)
		}
	}()

	for {
		var events <-chan WorkerEvent
		if w != nil {
			events = w.Events()
		}

		select {
		case <-l.ctx.Done():
			return
		case j := <-l.inbox:
			w = d.turn(l, w, j)
			if w != nil && !d.park(l) {
				d.retire(l, w)
				w = nil
			}
		case <-l.evict:
			if w != nil {
				d.log.Debug("Retiring idle plugin worker for a waiting launch", "plugin", l.name)
				d.retire(l, w)
				w = nil
			}
		case event, ok := <-events:
			if !ok {
				d.workerExited(l, w)
				w = nil
				continue
			}
			d.handleEvent(l.name, event, nil)
		}
	}
}

// park marks the lane idle between turns. It reports false when another
// lane is waiting for a slot, in which case the worker must be retired.
func (d *Dispatcher) park(l *lane) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.slotWaiters > 0 {
		return false
	}
	d.idle[l] = time.Now()
	return true
}

func (d *Dispatcher) unpark(l *lane) {
	d.mu.Lock()
	delete(d.idle, l)
	d.mu.Unlock()
}

// acquireSlot takes a pool slot for a new worker. When none is free it asks
// the longest idle lane to retire its worker, then waits.
func (d *Dispatcher) acquireSlot(l *lane) error {
	if d.pool.TryAcquire() {
		return nil
	}

	d.mu.Lock()
	d.slotWaiters++
	var victim *lane
	var since time.Time
	for candidate, idleSince := range d.idle {
		if candidate != l && (victim == nil || idleSince.Before(since)) {
			victim, since = candidate, idleSince
		}
	}
	if victim != nil {
		delete(d.idle, victim)
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.slotWaiters--
		d.mu.Unlock()
	}()

	if victim != nil {
		select {
		case victim.evict <- struct{}{}:
		default:
		}
	}
	return d.pool.Acquire(l.ctx)
}

// turn runs one invocation and returns the worker to keep, or nil.
func (d *Dispatcher) turn(l *lane, w Worker, j job) Worker {
	d.unpark(l)

	descriptor, ok := d.registry.Get(l.name)
	if !ok {
		return w
	}

	if w == nil {
		if err := d.acquireSlot(l); err != nil {
			return nil
		}
		launched, err := d.launcher.Launch(l.ctx, descriptor)
		if err != nil {
			d.log.Error("Plugin worker failed to start", "plugin", l.name, "error", err)
			d.pool.Release()
			return nil
		}
		w = launched
		d.markActive(l)
	}

	inv := Invocation{Message: j.msg, Args: j.args, FullContext: d.fullContext(l.ctx, j.msg)}
	if err := w.Send(l.ctx, inv); err != nil {
		d.log.Error("Plugin worker unreachable", "plugin", l.name, "error", err)
		d.retire(l, w)
		return nil
	}

	timer := time.NewTimer(d.turnTimeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.Events():
			if !ok {
				d.workerExited(l, w)
				return nil
			}
			if d.handleEvent(l.name, event, j.msg) {
				return w
			}
		case <-timer.C:
			d.log.Error("Plugin turn timed out", "plugin", l.name, "timeout", d.turnTimeout)
			d.retire(l, w)
			return nil
		case <-l.ctx.Done():
			return w
		}
	}
}

// handleEvent reacts to a worker event and reports whether it ends the turn.
func (d *Dispatcher) handleEvent(name string, event WorkerEvent, current *message.UniversalMessage) bool {
	switch ev := event.(type) {
	case LogEvent:
		d.log.Info("Plugin log", "plugin", name, "message", ev.Message)
		return false
	case ResponseEvent:
		original := ev.Original
		if original == nil {
			original = current
		}
		if original == nil {
			d.log.Warn("Dropping plugin response without original message", "plugin", name)
			return true
		}
		d.publish(name, Response(original, ev.Text, ev.Attachments))
		return true
	case ErrorEvent:
		d.log.Error("Plugin reported error", "plugin", name, "message", ev.Message)
		if ev.Original != nil {
			d.publish(name, Response(ev.Original, errorText(name, ev.Message), nil))
		}
		return true
	default:
		return false
	}
}

func (d *Dispatcher) publish(name string, response *message.UniversalMessage) {
	ctx, cancel := context.WithTimeout(d.ctx, publishTimeout)
	defer cancel()

	if d.store != nil {
		if err := d.store.Append(ctx, response); err != nil {
			d.log.Warn("History append failed", "plugin", name, "error", err)
		}
	}

	if err := d.bus.Publish(ctx, response); err != nil {
		d.log.Error("Plugin response publish failed", "plugin", name, "error", err)
		return
	}
	d.log.Info("Plugin response published", "plugin", name, "universal_id", response.UniversalID)
}

// fullContext copies msg and fills the reply snapshot from history.
func (d *Dispatcher) fullContext(ctx context.Context, msg *message.UniversalMessage) *message.UniversalMessage {
	full := msg.Clone()
	if d.store == nil || full.Message == nil || full.Message.ReplyTo == nil || full.Message.ReplyTo.UniversalID == "" {
		return full
	}

	reply := full.Message.ReplyTo
	projection, err := d.store.GetByUniversalID(ctx, reply.UniversalID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.Warn("Reply context lookup failed", "universal_id", reply.UniversalID, "error", err)
		}
		return full
	}

	reply.Text = message.Snippet(projection.Text)
	reply.Author.ID = projection.AuthorID
	if reply.Author.DisplayName == "" {
		reply.Author.DisplayName = projection.AuthorName
	}
	if reply.MessageID == "" {
		reply.MessageID = projection.MessageID
	}
	return full
}

// retire terminates w and frees its slot.
func (d *Dispatcher) retire(l *lane, w Worker) {
	if err := w.Terminate(); err != nil {
		d.log.Warn("Plugin worker terminate failed", "plugin", l.name, "error", err)
	}

	timer := time.NewTimer(retireTimeout)
	defer timer.Stop()

drain:
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				break drain
			}
		case <-timer.C:
			d.log.Warn("Plugin worker did not exit after terminate", "plugin", l.name)
			break drain
		}
	}

	d.release(l)
}

func (d *Dispatcher) workerExited(l *lane, w Worker) {
	if err := w.Err(); err != nil {
		d.log.Error("Plugin worker exited", "plugin", l.name, "error", err)
	} else {
		d.log.Info("Plugin worker exited", "plugin", l.name)
	}
	d.release(l)
}

// release marks the lane's worker gone and returns its pool slot.
func (d *Dispatcher) release(l *lane) {
	d.mu.Lock()
	delete(d.idle, l)
	if d.active[l.name] == l {
		delete(d.active, l.name)
	}
	d.mu.Unlock()

	select {
	case <-l.evict:
	default:
	}
	d.pool.Release()
}

func (d *Dispatcher) markActive(l *lane) {
	d.mu.Lock()
	d.active[l.name] = l
	d.mu.Unlock()
}

// State returns the lifecycle state of a plugin name.
func (d *Dispatcher) State(name string) State {
	if _, ok := d.registry.Get(name); !ok {
		return StateUnregistered
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[name] != nil {
		return StateActive
	}
	return StateRegistered
}

// States returns the state of every registered plugin.
func (d *Dispatcher) States() map[string]State {
	out := make(map[string]State)
	for _, descriptor := range d.registry.List() {
		out[descriptor.Name] = d.State(descriptor.Name)
	}
	return out
}

// Reload re-reads the manifest at path. Any live worker of the plugin is
// stopped first; an invalid manifest unregisters whatever path defined.
func (d *Dispatcher) Reload(path string) error {
	previous, hadPrevious := d.registry.ByFile(path)

	descriptor, err := d.loader.Load(path)
	if err != nil {
		if hadPrevious {
			d.unregister(previous.Name)
		}
		if errors.Is(err, ErrMissingPattern) {
			d.log.Info("Skipping plugin without pattern", "path", path)
		} else {
			d.log.Warn("Plugin manifest rejected", "path", path, "error", err)
		}
		return err
	}

	if hadPrevious && previous.Name != descriptor.Name {
		d.unregister(previous.Name)
	}

	// Register before stopping the lane so any lane started afterwards can
	// only launch the new descriptor.
	replaced := d.registry.Register(descriptor)
	d.stopLane(descriptor.Name)

	d.log.Info("Plugin registered",
		"plugin", descriptor.Name,
		"pattern", d.loader.Prefix+descriptor.RawPattern,
		"sudo", descriptor.Sudo,
		"reloaded", replaced,
	)
	return nil
}

// Remove unregisters the plugin loaded from path.
func (d *Dispatcher) Remove(path string) bool {
	descriptor, ok := d.registry.ByFile(path)
	if !ok {
		return false
	}
	d.unregister(descriptor.Name)
	return true
}

func (d *Dispatcher) unregister(name string) {
	d.stopLane(name)
	if d.registry.Unregister(name) {
		d.log.Info("Plugin unregistered", "plugin", name)
	}
}

func (d *Dispatcher) stopLane(name string) {
	d.mu.Lock()
	l, ok := d.lanes[name]
	if ok {
		delete(d.lanes, name)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	l.cancel()
	<-l.done
}

// Watch applies watcher events until ctx ends or events closes.
func (d *Dispatcher) Watch(ctx context.Context, events <-chan WatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Op {
			case OpUpsert:
				_ = d.Reload(event.Path)
			case OpRemove:
				d.Remove(event.Path)
			}
		}
	}
}

// Close stops every lane and terminates all workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Response builds the bus message for a plugin reply to original.
func Response(original *message.UniversalMessage, text string, attachments []message.Attachment) *message.UniversalMessage {
	response := message.New(original.Platform, original.AdapterID, message.EventMessage)
	if original.Server != nil {
		server := *original.Server
		response.Server = &server
	}
	response.Conversation = original.Conversation
	if original.Thread != nil {
		thread := *original.Thread
		response.Thread = &thread
	}
	response.Author = message.Author{ID: ResponseAuthorID, Username: "bot", DisplayName: "Bot", Bot: true}
	response.Message = &message.Body{
		Text: text,
		ReplyTo: &message.ReplyTo{
			MessageID:   original.NativeID(),
			UniversalID: original.UniversalID,
			Text:        message.Snippet(original.Text()),
			Author:      original.Author,
		},
	}
	response.Attachments = attachments
	response.IsPluginResponse = true
	return response
}

func errorText(name, detail string) string {
	if detail == "" {
		return name + " failed"
	}
	return name + " failed: " + detail
}
