package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration. Environment variables
// (GATEWAY_*) are applied after the file and win over it.
type Config struct {
	Profile      string                  `yaml:"profile"`
	Host         string                  `yaml:"host"`
	Port         int                     `yaml:"port"`
	PortRange    string                  `yaml:"port_range"`
	LogLevel     string                  `yaml:"log_level"`
	DB           string                  `yaml:"db"`
	DBRetention  Duration                `yaml:"db_retention"`
	Heartbeat    Duration                `yaml:"heartbeat"`
	AllowedHosts []string                `yaml:"allowed_hosts"`
	Queue        QueueConfig             `yaml:"queue"`
	Rate         RateConfig              `yaml:"rate"`
	Retry        RetryConfig             `yaml:"retry"`
	Sidecars     SidecarConfig           `yaml:"sidecars"`
	Servers      map[string]ServerConfig `yaml:"servers"`
}

// QueueConfig sizes the admission queue. Limit is advisory: it is reported
// and logged when exceeded, never enforced.
type QueueConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" json:"maxConcurrency"`
	Limit          int `yaml:"limit" json:"limit"`
}

// RateConfig is advisory and only reported at /admin/rate.
type RateConfig struct {
	LimitPerSec float64 `yaml:"limit_per_sec" json:"limitPerSec"`
	Burst       int     `yaml:"burst" json:"burst"`
}

// RetryConfig carries the advertised retry policy. BaseMs and MaxMs also
// drive the supervisor restart backoff.
type RetryConfig struct {
	Policy string `yaml:"policy" json:"policy"`
	BaseMs int    `yaml:"base_ms" json:"baseMs"`
	MaxMs  int    `yaml:"max_ms" json:"maxMs"`
}

// SidecarConfig holds base URLs of optional helper services.
type SidecarConfig struct {
	Fetcher string `yaml:"fetcher"`
	Browser string `yaml:"browser"`
}

// ServerConfig defines one managed worker.
type ServerConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	WorkingDir  string            `yaml:"working_dir"`
	Env         map[string]string `yaml:"env"`
	Enabled     *bool             `yaml:"enabled"`
	Description string            `yaml:"description"`
	Requires    string            `yaml:"requires"`
	Filter      string            `yaml:"filter"`
}

// defaultDBRetention bounds how long exit audit rows are kept.
const defaultDBRetention = 7 * 24 * time.Hour

// Duration decodes YAML strings such as "15s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads the YAML file at path, applies defaults, then applies
// process environment overrides. An empty or missing path yields defaults.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, os.Getenv)
}

func loadConfig(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	if _, err := cfg.PortRequest(); err != nil {
		return nil, err
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfigDefaults fills in zero-value fields.
func applyConfigDefaults(cfg *Config) {
	if cfg.Profile == "" {
		cfg.Profile = "dev"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.LogLevel == "" {
		if cfg.Profile == "dev" {
			cfg.LogLevel = "debug"
		} else {
			cfg.LogLevel = "info"
		}
	}
	if cfg.DBRetention <= 0 {
		cfg.DBRetention = Duration(defaultDBRetention)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = Duration(DefaultHeartbeat)
	}
	if cfg.Queue.MaxConcurrency <= 0 {
		cfg.Queue.MaxConcurrency = 4
	}
	if cfg.Retry.Policy == "" {
		cfg.Retry.Policy = "exponential"
	}
	if cfg.Retry.BaseMs <= 0 {
		cfg.Retry.BaseMs = 500
	}
	if cfg.Retry.MaxMs <= 0 {
		cfg.Retry.MaxMs = 30000
	}
}

// applyEnv overlays GATEWAY_* variables onto cfg. Malformed numbers are errors.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst = n
		return nil
	}

	str("GATEWAY_PROFILE", &cfg.Profile)
	str("GATEWAY_HOST", &cfg.Host)
	str("GATEWAY_PORT_RANGE", &cfg.PortRange)
	str("GATEWAY_LOG_LEVEL", &cfg.LogLevel)
	str("GATEWAY_DB", &cfg.DB)
	str("GATEWAY_RETRY_POLICY", &cfg.Retry.Policy)
	str("GATEWAY_FETCHER_URL", &cfg.Sidecars.Fetcher)
	str("GATEWAY_BROWSER_URL", &cfg.Sidecars.Browser)

	for key, dst := range map[string]*int{
		"GATEWAY_PORT":            &cfg.Port,
		"GATEWAY_MAX_CONCURRENCY": &cfg.Queue.MaxConcurrency,
		"GATEWAY_QUEUE_LIMIT":     &cfg.Queue.Limit,
		"GATEWAY_RATE_BURST":      &cfg.Rate.Burst,
		"GATEWAY_RETRY_BASE_MS":   &cfg.Retry.BaseMs,
		"GATEWAY_RETRY_MAX_MS":    &cfg.Retry.MaxMs,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(getenv("GATEWAY_RATE_LIMIT_PER_SEC")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GATEWAY_RATE_LIMIT_PER_SEC: invalid number %q", v)
		}
		cfg.Rate.LimitPerSec = f
	}
	if v := strings.TrimSpace(getenv("GATEWAY_ALLOWED_HOSTS")); v != "" {
		cfg.AllowedHosts = splitList(v)
	}
	return nil
}

// PortRequest converts Port / PortRange into an allocation request.
func (c *Config) PortRequest() (PortRequest, error) {
	if c.Port != 0 {
		if c.Port < 0 || c.Port > 65535 {
			return PortRequest{}, fmt.Errorf("port %d out of range", c.Port)
		}
		return PortRequest{Fixed: c.Port}, nil
	}
	if c.PortRange == "" {
		return PortRequest{}, nil
	}
	lo, hi, ok := strings.Cut(c.PortRange, "-")
	start, err1 := strconv.Atoi(strings.TrimSpace(lo))
	end := start
	var err2 error
	if ok {
		end, err2 = strconv.Atoi(strings.TrimSpace(hi))
	}
	if err1 != nil || err2 != nil || start <= 0 || end > 65535 || end < start {
		return PortRequest{}, fmt.Errorf("invalid port range %q", c.PortRange)
	}
	return PortRequest{RangeStart: start, RangeEnd: end}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
