// Package config loads the relay configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"visitrelay/internal/etl"
	"visitrelay/internal/routing"
	"visitrelay/internal/visit"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Source  SourceConfig  `yaml:"source"`
	Routing RoutingConfig `yaml:"routing"`
	Status  StatusConfig  `yaml:"status"`
	Relay   RelayConfig   `yaml:"relay"`
	Webhook WebhookConfig `yaml:"webhook"`
	Mapping visit.Config  `yaml:"mapping"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// StorageConfig locates the local state database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SourceConfig is the source database the relay polls.
type SourceConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	// Connection names a stored profile instead of the inline fields.
	Connection string `yaml:"connection"`

	Schema          string   `yaml:"schema"`
	Views           []string `yaml:"views"`
	DeliveryView    string   `yaml:"delivery_view"`
	GroupField      string   `yaml:"group_field"`
	Where           string   `yaml:"where"`
	WhereDeliveries string   `yaml:"where_deliveries"`
	WhereVisits     string   `yaml:"where_visits"`
	FetchLimit      int      `yaml:"fetch_limit"`
}

// RoutingConfig configures the routing API client.
type RoutingConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	Timeout    string `yaml:"timeout"`
	BatchSize  int    `yaml:"batch_size"`
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"`
}

// StatusConfig locates the table callbacks are written to.
type StatusConfig struct {
	Schema string `yaml:"schema"` // defaults to source.schema
	Table  string `yaml:"table"`
}

// RelayConfig configures the send loop.
type RelayConfig struct {
	Schedule   string `yaml:"schedule"`
	Workers    int    `yaml:"workers"`
	MarkSent   bool   `yaml:"mark_sent"`
	OutputDir  string `yaml:"output_dir"`
	RunTimeout string `yaml:"run_timeout"`
}

// WebhookConfig configures the callback server.
type WebhookConfig struct {
	Addr    string `yaml:"addr"`
	Archive bool   `yaml:"archive"`
}

// DefaultDataDir is where local state lives unless configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".visitrelay"
	}
	return filepath.Join(home, ".local", "share", "visitrelay")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "relay.db"),
		},
		Source: SourceConfig{
			Driver:       "postgres",
			Port:         5432,
			SSLMode:      "disable",
			Views:        []string{"VW_ENTREGAS_PENDENTES", "VW_VISITAS_PENDENTES"},
			DeliveryView: "VW_ENTREGAS_PENDENTES",
			GroupField:   "ID_ATENDIMENTO",
			Where:        "DT_ENVIOROTEIRIZADOR IS NULL",
			FetchLimit:   100,
		},
		Routing: RoutingConfig{
			BaseURL:    routing.DefaultBaseURL,
			Timeout:    "30s",
			BatchSize:  50,
			MaxRetries: 3,
			Backoff:    "2s",
		},
		Status: StatusConfig{
			Table: "TD_OTIMIZE_ALTSTAT",
		},
		Relay: RelayConfig{
			Schedule:   "@every 60s",
			Workers:    4,
			MarkSent:   true,
			OutputDir:  filepath.Join(dataDir, "payloads"),
			RunTimeout: "5m",
		},
		Webhook: WebhookConfig{
			Addr:    ":8000",
			Archive: true,
		},
		Mapping: visit.DefaultConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("RELAY_LOG_LEVEL", &c.Log.Level)
	str("RELAY_DB_PATH", &c.Storage.Path)
	str("SOURCE_DRIVER", &c.Source.Driver)
	str("SOURCE_HOST", &c.Source.Host)
	num("SOURCE_PORT", &c.Source.Port)
	str("SOURCE_DATABASE", &c.Source.Database)
	str("SOURCE_USER", &c.Source.Username)
	str("SOURCE_PASSWORD", &c.Source.Password)
	str("SOURCE_SCHEMA", &c.Source.Schema)
	if v := os.Getenv("SOURCE_VIEWS"); v != "" {
		var views []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				views = append(views, p)
			}
		}
		c.Source.Views = views
	}
	str("SOURCE_WHERE", &c.Source.Where)
	num("SOURCE_FETCH_LIMIT", &c.Source.FetchLimit)
	str("ROUTING_API_BASE", &c.Routing.BaseURL)
	str("ROUTING_TOKEN", &c.Routing.Token)
	str("WEBHOOK_ADDR", &c.Webhook.Addr)
	str("RELAY_SCHEDULE", &c.Relay.Schedule)
}

// Validate reports settings the relay cannot run without. It does not
// require a source; commands that need one check HasSource.
func (c *Config) Validate() error {
	var problems []string
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is empty")
	}
	if c.Routing.BaseURL == "" {
		problems = append(problems, "routing.base_url is empty")
	}
	for name, v := range map[string]string{
		"routing.timeout":   c.Routing.Timeout,
		"routing.backoff":   c.Routing.Backoff,
		"relay.run_timeout": c.Relay.RunTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.HasSource() && len(c.Source.Views) == 0 {
		problems = append(problems, "source.views is empty")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// HasSource reports whether a source database is configured.
func (c *Config) HasSource() bool {
	return c.Source.Host != "" || c.Source.Connection != ""
}

// RequireToken fails when no routing token is set.
func (c *Config) RequireToken() error {
	if c.Routing.Token == "" {
		return errors.New("routing token not configured (set ROUTING_TOKEN or routing.token)")
	}
	return nil
}

// SourceJobConfig renders the source section as a database source config.
func (c *Config) SourceJobConfig() etl.SourceConfig {
	s := c.Source
	cfg := etl.SourceConfig{
		"driver":           s.Driver,
		"host":             s.Host,
		"port":             s.Port,
		"database":         s.Database,
		"username":         s.Username,
		"password":         s.Password,
		"ssl_mode":         s.SSLMode,
		"schema":           s.Schema,
		"views":            strings.Join(s.Views, ","),
		"delivery_view":    s.DeliveryView,
		"group_field":      s.GroupField,
		"where":            s.Where,
		"where_deliveries": s.WhereDeliveries,
		"where_visits":     s.WhereVisits,
		"fetch_limit":      s.FetchLimit,
	}
	if s.Connection != "" {
		cfg["connection"] = s.Connection
	}
	return cfg
}

// StatusSchema is the schema of the status table.
func (c *Config) StatusSchema() string {
	if c.Status.Schema != "" {
		return c.Status.Schema
	}
	return c.Source.Schema
}

func (c *Config) RoutingTimeout() time.Duration { return parseDuration(c.Routing.Timeout, 30*time.Second) }
func (c *Config) RoutingBackoff() time.Duration { return parseDuration(c.Routing.Backoff, 2*time.Second) }
func (c *Config) RunTimeout() time.Duration     { return parseDuration(c.Relay.RunTimeout, 5*time.Minute) }

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
