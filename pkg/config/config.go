// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env < flags
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/simulate"
	"github.com/simflow/simflow/pkg/telemetry"
)

// Config holds all simflow configuration. Nothing in it is required to run:
// every field has a default or can be passed as a flag.
type Config struct {
	Version int `yaml:"version"`

	Store     StoreConfig     `yaml:"store"`
	Run       RunConfig       `yaml:"run"`
	Roles     simulate.Roles  `yaml:"roles"`
	Pickup    PickupConfig    `yaml:"pickup"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Notify    NotifyConfig    `yaml:"notify"`
	Watch     WatchConfig     `yaml:"watch"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the store.
type StoreConfig struct {
	// DSN is a DuckDB path (optionally "duckdb:"-prefixed, empty for
	// in-memory) or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// RunConfig holds run defaults.
type RunConfig struct {
	Strategy string `yaml:"strategy" validate:"oneof=push pull pickup"`
	Policy   string `yaml:"policy" validate:"oneof=replace fail append"`
	Protocol string `yaml:"protocol" validate:"oneof=bulk rowwise"`
	Sims     int    `yaml:"sims" validate:"gte=0"`
	Seed     uint64 `yaml:"seed"`
	Workers  int    `yaml:"workers" validate:"gte=0"`
}

// PickupConfig configures the file mediated transport.
type PickupConfig struct {
	// Command runs the simulation process; empty means this executable.
	Command []string `yaml:"command"`
	WorkDir string   `yaml:"work_dir"`
	Format  string   `yaml:"format" validate:"oneof=csv parquet"`
	Load    bool     `yaml:"load"`
	Keep    bool     `yaml:"keep"`
}

// OutboxConfig selects where pickup artifacts are published. S3 wins over
// Dir when both are set.
type OutboxConfig struct {
	Dir string             `yaml:"dir"`
	S3  *artifact.S3Config `yaml:"s3"`
}

// NotifyConfig configures ready notifications.
type NotifyConfig struct {
	Redis *notify.RedisConfig `yaml:"redis"`
}

// WatchConfig configures the inbox worker.
type WatchConfig struct {
	Inbox    string        `yaml:"inbox"`
	Done     string        `yaml:"done"`
	Failed   string        `yaml:"failed"`
	Outbox   string        `yaml:"outbox"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
	Workers  int           `yaml:"workers" validate:"gte=1"`
	// Listen serves /metrics and /health; empty disables the server.
	Listen string `yaml:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsFile receives a node-exporter textfile after batch runs.
	MetricsFile string               `yaml:"metrics_file"`
	OTLP        telemetry.OTLPConfig `yaml:"otlp"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	simflowDir := filepath.Join(homeDir, ".simflow")

	return &Config{
		Version: 1,
		Run: RunConfig{
			Strategy: "push",
			Policy:   "replace",
			Protocol: "bulk",
			Sims:     100,
		},
		Roles: simulate.DefaultRoles(),
		Pickup: PickupConfig{
			WorkDir: filepath.Join(os.TempDir(), "simflow"),
			Format:  "csv",
		},
		Watch: WatchConfig{
			Inbox:    filepath.Join(simflowDir, "inbox"),
			Done:     filepath.Join(simflowDir, "done"),
			Failed:   filepath.Join(simflowDir, "failed"),
			Outbox:   filepath.Join(simflowDir, "outbox"),
			Debounce: 500 * time.Millisecond,
			Workers:  2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			OTLP: telemetry.DefaultOTLPConfig(),
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded

	// SearchPaths are tried in order before the explicit file. Missing
	// files are skipped.
	SearchPaths []string
	// Getenv reads environment variables; nil means os.Getenv.
	Getenv func(string) string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config:      Default(),
		SearchPaths: DefaultSearchPaths(),
	}
}

// DefaultSearchPaths returns config file paths in priority order.
func DefaultSearchPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/simflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".simflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".simflow.yaml"))
	}

	return paths
}

// Load loads configuration from all sources in priority order. explicit,
// when set, must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.SearchPaths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but fail on broken ones
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		m.paths = append(m.paths, path)
	}
	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}
	return nil
}

// loadFile decodes a file over the current config. Keys absent from the
// file keep their earlier value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, m.config); err != nil {
		return sferrors.Wrapf(err, sferrors.CodeInvalidConfig, "parse config %s", path)
	}
	return nil
}

// loadEnv applies SIMFLOW_* environment variables.
func (m *Manager) loadEnv() error {
	getenv := m.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	c := m.config

	strs := map[string]*string{
		"SIMFLOW_STORE_DSN":     &c.Store.DSN,
		"SIMFLOW_STRATEGY":      &c.Run.Strategy,
		"SIMFLOW_POLICY":        &c.Run.Policy,
		"SIMFLOW_PROTOCOL":      &c.Run.Protocol,
		"SIMFLOW_LOG_LEVEL":     &c.Log.Level,
		"SIMFLOW_LOG_FORMAT":    &c.Log.Format,
		"SIMFLOW_OTLP_ENDPOINT": &c.Telemetry.OTLP.Endpoint,
		"SIMFLOW_METRICS_FILE":  &c.Telemetry.MetricsFile,
		"SIMFLOW_OUTBOX_DIR":    &c.Outbox.Dir,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SIMFLOW_SIMS":    &c.Run.Sims,
		"SIMFLOW_WORKERS": &c.Run.Workers,
	}
	for name, dst := range ints {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return sferrors.Newf(sferrors.CodeInvalidConfig, "%s=%q is not an integer", name, v)
			}
			*dst = n
		}
	}
	if v := getenv("SIMFLOW_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return sferrors.Newf(sferrors.CodeInvalidConfig, "SIMFLOW_SEED=%q is not an unsigned integer", v)
		}
		c.Run.Seed = n
	}

	if v := getenv("SIMFLOW_REDIS_ADDR"); v != "" {
		if c.Notify.Redis == nil {
			r := notify.DefaultRedisConfig(v)
			c.Notify.Redis = &r
		}
		c.Notify.Redis.Address = v
	}
	if v := getenv("SIMFLOW_S3_BUCKET"); v != "" {
		if c.Outbox.S3 == nil {
			c.Outbox.S3 = &artifact.S3Config{}
		}
		c.Outbox.S3.Bucket = v
	}
	return nil
}

var validate = validator.New()

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return sferrors.Wrap(err, sferrors.CodeInvalidConfig, "invalid configuration")
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Marshal renders the effective configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return yaml.Marshal(m.config)
}

// Save writes the current config to path, creating its directory.
func (m *Manager) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
