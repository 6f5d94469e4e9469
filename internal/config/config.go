package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskrelay/internal/shared"
)

const (
	defaultBindAddr    = "127.0.0.1:18790"
	defaultCacheSize   = 128
	defaultIndexResync = "@every 5m"
)

// APIKeyEntry binds a gateway API key to a caller role.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// RetentionDays prunes journal and audit rows older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// TelemetryConfig mirrors otel.Config so the config package stays free of
// exporter imports.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// CacheSize bounds the number of decoded collections kept in memory.
	CacheSize int `yaml:"cache_size"`

	// IndexResync is a cron expression for the periodic index rebuild. Empty disables it.
	IndexResync string `yaml:"index_resync"`

	// MaxRequestBytes caps HTTP request bodies. 0 uses the gateway default.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Journal   JournalConfig   `yaml:"journal"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// FileFound reports whether config.yaml existed at load time.
	FileFound bool `yaml:"-"`
}

const (
	configFile = "config.yaml"
	policyFile = "policy.yaml"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFile)
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, policyFile)
}

// Fingerprint returns a stable hash of the settings that shape runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "data=%s|bind=%s|log=%s|cache=%d|resync=%s|journal=%t|auth=%t:%d",
		c.DataDir, c.BindAddr, c.LogLevel, c.CacheSize, c.IndexResync,
		c.Journal.Enabled, c.Auth.Enabled, len(c.Auth.Keys))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		CacheSize:           defaultCacheSize,
		IndexResync:         defaultIndexResync,
		DrainTimeoutSeconds: 5,
		Journal:             JournalConfig{Enabled: true},
		RateLimit:           RateLimitConfig{RequestsPerMinute: 600, BurstSize: 50},
		Telemetry:           TelemetryConfig{ServiceName: "taskrelay", SampleRate: 1.0},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies env
// overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		cfg.FileFound = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.HomeDir, cfg.DataDir)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.HomeDir, "journal.db")
	} else if !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(cfg.HomeDir, cfg.Journal.Path)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskrelay"
	}
	for i := range cfg.Auth.Keys {
		cfg.Auth.Keys[i].Role = strings.ToLower(strings.TrimSpace(cfg.Auth.Keys[i].Role))
	}
}

func validate(cfg Config) error {
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one entry in auth.keys")
	}
	seen := make(map[string]bool, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth key %q has an empty key", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth key %q is configured twice", k.Name)
		}
		seen[k.Key] = true
		if !shared.IsKnownRole(k.Role) {
			return fmt.Errorf("auth key %q has unknown role %q", k.Name, k.Role)
		}
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", cfg.Telemetry.SampleRate)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRELAY_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("TASKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRELAY_CACHE_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CacheSize = v
		}
	}
	if raw := os.Getenv("TASKRELAY_INDEX_RESYNC"); raw != "" {
		cfg.IndexResync = raw
	}
	// A token from the environment is an admin key and switches auth on.
	if raw := os.Getenv("TASKRELAY_AUTH_TOKEN"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Name: "env", Key: raw, Role: shared.RoleAdmin})
	}
}

// Redacted returns a copy safe to print: API key values are masked.
func (c Config) Redacted() Config {
	out := c
	out.Auth.Keys = make([]APIKeyEntry, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		k.Key = shared.Redacted
		out.Auth.Keys[i] = k
	}
	return out
}
