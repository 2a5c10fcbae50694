// Package gateway assembles the bridge core for `acople run`: the shared bus
// and store, the plugin dispatcher with its watcher, the adapter supervisor
// and the HTTP status server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"acople/pkg/config"
	"acople/pkg/pathguard"
	"acople/pkg/plugin"
	"acople/pkg/routing"
	"acople/pkg/supervisor"
)

const (
	defaultHealthHost = "127.0.0.1"
	defaultHealthPort = 18790
)

// Components are the parts a Service runs. Watcher may be nil to disable
// hot reload.
type Components struct {
	Backends   *Backends
	Dispatcher *plugin.Dispatcher
	Watcher    *plugin.Watcher
	Supervisor *supervisor.Supervisor
}

type Service struct {
	cfg *config.Config
	log *slog.Logger

	backends   *Backends
	dispatcher *plugin.Dispatcher
	watcher    *plugin.Watcher
	supervisor *supervisor.Supervisor

	mu        sync.RWMutex
	startedAt time.Time
}

type poolStatus struct {
	Size    int `json:"size"`
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
}

type statusResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Adapters      []supervisor.Record `json:"adapters"`
	Disabled      []string            `json:"disabled"`
	Plugins       map[string]string   `json:"plugins"`
	Pool          poolStatus          `json:"pool"`
}

// NewService builds every component from cfg. Backends are connected here,
// so a failing Valkey aborts startup.
func NewService(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	backends, err := OpenBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	engine := routing.NewEngine(routing.ParseRules(cfg.Bridge.Rules))
	dispatcher, watcher, err := buildPlugins(cfg, backends, engine, log)
	if err != nil {
		_ = backends.Close()
		return nil, err
	}

	sup, err := buildSupervisor(cfg, log)
	if err != nil {
		dispatcher.Close()
		_ = backends.Close()
		return nil, err
	}

	return newService(cfg, Components{
		Backends:   backends,
		Dispatcher: dispatcher,
		Watcher:    watcher,
		Supervisor: sup,
	}, log)
}

func newService(cfg *config.Config, c Components, log *slog.Logger) (*Service, error) {
	if c.Backends == nil || c.Dispatcher == nil || c.Supervisor == nil {
		return nil, errors.New("backends, dispatcher and supervisor are required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		backends:   c.Backends,
		dispatcher: c.Dispatcher,
		watcher:    c.Watcher,
		supervisor: c.Supervisor,
	}, nil
}

func buildPlugins(cfg *config.Config, backends *Backends, engine *routing.Engine, log *slog.Logger) (*plugin.Dispatcher, *plugin.Watcher, error) {
	guard, err := pathguard.New(cfg.Plugins.Dir, pathguard.Options{Restrict: cfg.Plugins.RestrictExec, Create: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open plugins directory: %w", err)
	}

	loader := plugin.Loader{Prefix: cfg.Bridge.Prefix, Guard: guard}
	descriptors, err := loader.Discover(guard.Root(), log)
	if err != nil {
		return nil, nil, err
	}

	dispatcher, err := plugin.NewDispatcher(plugin.Deps{
		Bus:      backends.Bus,
		Store:    backends.Store,
		Registry: plugin.NewRegistry(descriptors...),
		Loader:   loader,
		Policy:   plugin.NewPolicy(cfg.Bridge.SudoUsers, cfg.Bridge.BootstrapPlugin, engine.IsBridged),
		Pool:     plugin.NewPool(cfg.Plugins.MaxWorkers),
		Launcher: plugin.ProcessLauncher{Env: cfg.Plugins.Env, Logger: log},
	}, plugin.Options{
		TurnTimeout: time.Duration(cfg.Plugins.TurnTimeoutSeconds) * time.Second,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create dispatcher: %w", err)
	}

	if !cfg.Plugins.Watch {
		return dispatcher, nil, nil
	}
	watcher, err := plugin.NewWatcher(guard.Root(), time.Duration(cfg.Plugins.DebounceMS)*time.Millisecond, log)
	if err != nil {
		dispatcher.Close()
		return nil, nil, fmt.Errorf("create plugin watcher: %w", err)
	}
	return dispatcher, watcher, nil
}

// AdapterSpecs returns the configured adapters, or every executable in the
// adapters directory when none are configured. A missing directory with no
// configured adapters yields no specs.
func AdapterSpecs(cfg config.SupervisorConfig) ([]supervisor.Spec, error) {
	if len(cfg.Adapters) > 0 {
		specs := make([]supervisor.Spec, 0, len(cfg.Adapters))
		for _, adapter := range cfg.Adapters {
			specs = append(specs, supervisor.Spec{Name: adapter.Name, Path: adapter.Path, Args: adapter.Args})
		}
		return supervisor.Resolve(cfg.AdaptersDir, specs)
	}

	if _, err := os.Stat(cfg.AdaptersDir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return supervisor.Discover(cfg.AdaptersDir)
}

func buildSupervisor(cfg *config.Config, log *slog.Logger) (*supervisor.Supervisor, error) {
	specs, err := AdapterSpecs(cfg.Supervisor)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		log.Warn("No adapters configured", "component", "gateway.service", "adapters_dir", cfg.Supervisor.AdaptersDir)
	}

	sc := cfg.Supervisor
	return supervisor.New(specs, supervisor.ExecSpawner{Env: sc.Env, Output: os.Stdout}, supervisor.Options{
		MaxRetries:      sc.MaxRetries,
		Backoff:         supervisor.LinearBackoff(time.Duration(sc.BackoffSeconds) * time.Second),
		KillTimeout:     time.Duration(sc.KillTimeoutSeconds) * time.Second,
		ShutdownTimeout: time.Duration(sc.ShutdownTimeoutSeconds) * time.Second,
		StatusInterval:  time.Duration(sc.StatusIntervalSeconds) * time.Second,
		Logger:          log,
	})
}

// Run starts every component and blocks until ctx ends or one of them fails.
// Adapters are always shut down before Run returns; a forced shutdown is
// reported as supervisor.ErrForcedShutdown.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	defer func() {
		s.dispatcher.Close()
		if err := s.backends.Close(); err != nil {
			s.log.Warn("Failed to close backends", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runHealthServer(gctx)
	})
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	if s.watcher != nil {
		events, err := s.watcher.Start(gctx)
		if err != nil {
			s.log.Warn("Plugin hot reload disabled", "error", err)
		} else {
			g.Go(func() error {
				s.dispatcher.Watch(gctx, events)
				return nil
			})
		}
	}
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, supervisor.ErrForcedShutdown) {
		s.log.Error("Gateway stopped with error", "error", err)
	}
	return err
}

// Handler serves the status endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) runHealthServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	plugins := make(map[string]string)
	for name, state := range s.dispatcher.States() {
		plugins[name] = state.String()
	}

	pool := s.dispatcher.Pool()

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Adapters:      s.supervisor.Status(),
		Disabled:      s.supervisor.Disabled(),
		Plugins:       plugins,
		Pool:          poolStatus{Size: pool.Size(), Active: pool.Active(), Waiting: pool.Waiting()},
	}
}

// isReady needs a live dispatcher subscription and, when adapters are
// configured, at least one of them running.
func (s *Service) isReady() bool {
	if !s.dispatcher.Ready() {
		return false
	}
	return s.supervisor.Configured() == 0 || s.supervisor.Running() > 0
}
