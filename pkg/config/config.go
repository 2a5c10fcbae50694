package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	envConfigPath = "ACOPLE_CONFIG"

	envPrefix          = "PREFIX"
	envSudoUsers       = "SUDO_USERS"
	envRulePrefix      = "RULE_"
	envValkeyHost      = "VALKEY_HOST"
	envValkeyPort      = "VALKEY_PORT"
	envValkeyPassword  = "VALKEY_PASSWORD"
	envBackend         = "ACOPLE_BACKEND"
	envPluginsDir      = "ACOPLE_PLUGINS_DIR"
	envAdaptersDir     = "ACOPLE_ADAPTERS_DIR"
	envMaxWorkers      = "ACOPLE_MAX_WORKERS"
	envTelegramToken   = "TELEGRAM_TOKEN"
	envTelegramInst    = "TELEGRAM_INSTANCE"
	envTelegramAllow   = "TELEGRAM_ALLOW_FROM"
	envDiscordToken    = "DISCORD_TOKEN"
	envDiscordInstance = "DISCORD_INSTANCE"
)

const (
	BackendValkey = "valkey"
	BackendMemory = "memory"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bridge     BridgeConfig     `json:"bridge"`
	Bus        BusConfig        `json:"bus"`
	Store      StoreConfig      `json:"store"`
	Valkey     ValkeyConfig     `json:"valkey"`
	Plugins    PluginsConfig    `json:"plugins"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BridgeConfig holds the routing rules and command policy.
type BridgeConfig struct {
	Rules           []string `json:"rules"`
	Prefix          string   `json:"prefix"`
	SudoUsers       []string `json:"sudo_users"`
	BootstrapPlugin string   `json:"bootstrap_plugin"`
}

// BusConfig selects the pub/sub transport.
type BusConfig struct {
	Backend string `json:"backend"`
	Channel string `json:"channel"`
}

// StoreConfig selects the history backend and reply lookup limits.
type StoreConfig struct {
	Backend      string `json:"backend"`
	HistoryKey   string `json:"history_key"`
	SearchWindow int    `json:"search_window"`
	CacheSize    int    `json:"cache_size"`
}

// ValkeyConfig is the connection shared by the bus and the store.
type ValkeyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Addr returns host:port.
func (c ValkeyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PluginsConfig configures plugin discovery and the worker pool.
type PluginsConfig struct {
	Dir                string   `json:"dir"`
	MaxWorkers         int      `json:"max_workers"`
	DebounceMS         int      `json:"debounce_ms"`
	TurnTimeoutSeconds int      `json:"turn_timeout_seconds"`
	RestrictExec       bool     `json:"restrict_exec"`
	Watch              bool     `json:"watch"`
	Env                []string `json:"env"`
}

// SupervisorConfig configures adapter processes.
type SupervisorConfig struct {
	AdaptersDir            string          `json:"adapters_dir"`
	Adapters               []AdapterConfig `json:"adapters"`
	MaxRetries             int             `json:"max_retries"`
	BackoffSeconds         int             `json:"backoff_seconds"`
	KillTimeoutSeconds     int             `json:"kill_timeout_seconds"`
	ShutdownTimeoutSeconds int             `json:"shutdown_timeout_seconds"`
	StatusIntervalSeconds  int             `json:"status_interval_seconds"`
	Env                    []string        `json:"env"`
}

// AdapterConfig names one adapter executable explicitly.
type AdapterConfig struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// ChannelsConfig stores per-platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token     string   `json:"token"`
	Instance  int      `json:"instance"`
	AllowFrom []string `json:"allow_from"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token    string `json:"token"`
	Instance int    `json:"instance"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{Prefix: ".", BootstrapPlugin: "setvar"},
		Bus:    BusConfig{Backend: BackendValkey, Channel: "bot.On.AdaptadorMessage"},
		Store: StoreConfig{
			Backend:      BackendValkey,
			HistoryKey:   "history:global",
			SearchWindow: 1000,
			CacheSize:    1024,
		},
		Valkey: ValkeyConfig{Host: "localhost", Port: 6379},
		Plugins: PluginsConfig{
			Dir:                "plugins",
			MaxWorkers:         4,
			DebounceMS:         300,
			TurnTimeoutSeconds: 120,
			Watch:              true,
		},
		Supervisor: SupervisorConfig{
			AdaptersDir:            "adapters",
			MaxRetries:             5,
			BackoffSeconds:         2,
			KillTimeoutSeconds:     5,
			ShutdownTimeoutSeconds: 20,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Instance: 1},
			Discord:  DiscordConfig{Instance: 1},
		},
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 18790},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and
// applies environment overrides. A missing file is not an error.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	for name, backend := range map[string]string{"bus.backend": c.Bus.Backend, "store.backend": c.Store.Backend} {
		if backend != BackendValkey && backend != BackendMemory {
			return fmt.Errorf("%s must be %q or %q, got %q", name, BackendValkey, BackendMemory, backend)
		}
	}
	if c.Bus.Backend == BackendMemory && c.Store.Backend == BackendValkey {
		return fmt.Errorf("store.backend %q needs bus.backend %q", BackendValkey, BackendValkey)
	}
	if strings.TrimSpace(c.Bridge.Prefix) == "" {
		return fmt.Errorf("bridge.prefix must not be empty")
	}
	if c.Plugins.MaxWorkers < 1 {
		return fmt.Errorf("plugins.max_workers must be at least 1, got %d", c.Plugins.MaxWorkers)
	}
	if c.Channels.Telegram.Instance < 1 || c.Channels.Discord.Instance < 1 {
		return fmt.Errorf("channel instance numbers start at 1")
	}
	return nil
}

// applyEnvOverrides injects env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if rules := rulesFromEnv(); len(rules) > 0 {
		cfg.Bridge.Rules = rules
	}
	if prefix := os.Getenv(envPrefix); strings.TrimSpace(prefix) != "" {
		cfg.Bridge.Prefix = strings.TrimSpace(prefix)
	}
	if raw := strings.TrimSpace(os.Getenv(envSudoUsers)); raw != "" {
		cfg.Bridge.SudoUsers = parseCSV(raw)
	}

	if host := strings.TrimSpace(os.Getenv(envValkeyHost)); host != "" {
		cfg.Valkey.Host = host
	}
	if err := intFromEnv(envValkeyPort, &cfg.Valkey.Port); err != nil {
		return err
	}
	if password, ok := os.LookupEnv(envValkeyPassword); ok {
		cfg.Valkey.Password = password
	}
	if backend := strings.ToLower(strings.TrimSpace(os.Getenv(envBackend))); backend != "" {
		cfg.Bus.Backend = backend
		cfg.Store.Backend = backend
	}

	if dir := strings.TrimSpace(os.Getenv(envPluginsDir)); dir != "" {
		cfg.Plugins.Dir = dir
	}
	if dir := strings.TrimSpace(os.Getenv(envAdaptersDir)); dir != "" {
		cfg.Supervisor.AdaptersDir = dir
	}
	if err := intFromEnv(envMaxWorkers, &cfg.Plugins.MaxWorkers); err != nil {
		return err
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if err := intFromEnv(envTelegramInst, &cfg.Channels.Telegram.Instance); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv(envTelegramAllow)); raw != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(raw)
	}
	if token := strings.TrimSpace(os.Getenv(envDiscordToken)); token != "" {
		cfg.Channels.Discord.Token = token
	}
	return intFromEnv(envDiscordInstance, &cfg.Channels.Discord.Instance)
}

// rulesFromEnv reads RULE_1, RULE_2, ... and stops at the first gap.
func rulesFromEnv() []string {
	var rules []string
	for i := 1; ; i++ {
		value, ok := os.LookupEnv(envRulePrefix + strconv.Itoa(i))
		if !ok || strings.TrimSpace(value) == "" {
			return rules
		}
		rules = append(rules, strings.TrimSpace(value))
	}
}

func intFromEnv(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = value
	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location, or "" when
// there is none.
//
// Precedence is ACOPLE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, candidate := range []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
