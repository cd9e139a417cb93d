// Package config loads jarvis configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. JARVIS_LOGGING_LEVEL.
const EnvPrefix = "JARVIS"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for jarvis.
type Config struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BrokerConfig selects the message broker.
type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// OrchestratorConfig holds roster and health settings.
type OrchestratorConfig struct {
	Identity         string        `mapstructure:"identity"`
	Roster           []string      `mapstructure:"roster"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	SilenceThreshold time.Duration `mapstructure:"silence_threshold"`
}

// MemoryConfig holds the memory store settings. An empty URL disables it.
type MemoryConfig struct {
	URL        string        `mapstructure:"url"`
	WorkingTTL time.Duration `mapstructure:"working_ttl"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaultRoster = []string{
	"photo-agent",
	"marketing-agent",
	"social-media-agent",
	"crm-agent",
	"calendar-agent",
	"finance-agent",
	"task-agent",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "redis://localhost:6379/0")
	v.SetDefault("broker.exchange", "jarvis.events")

	v.SetDefault("orchestrator.identity", "orchestrator")
	v.SetDefault("orchestrator.roster", defaultRoster)
	v.SetDefault("orchestrator.health_interval", "30s")
	v.SetDefault("orchestrator.silence_threshold", "300s")

	v.SetDefault("memory.url", "redis://localhost:6379/1")
	v.SetDefault("memory.working_ttl", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration. With an empty path it looks for jarvis.yaml in
// the working directory and /etc/jarvis and tolerates its absence; an
// explicit path must exist. Environment variables override the file;
// RABBITMQ_URL is accepted for broker.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jarvis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jarvis")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("broker.url", EnvPrefix+"_BROKER_URL", "RABBITMQ_URL"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{URL: "redis://localhost:6379/0", Exchange: "jarvis.events"},
		Orchestrator: OrchestratorConfig{
			Identity:         "orchestrator",
			Roster:           append([]string(nil), defaultRoster...),
			HealthInterval:   30 * time.Second,
			SilenceThreshold: 300 * time.Second,
		},
		Memory:  MemoryConfig{URL: "redis://localhost:6379/1", WorkingTTL: 24 * time.Hour},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

var brokerSchemes = map[string]bool{"redis": true, "rediss": true, "unix": true, "amqp": true, "amqps": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Broker.URL == "" {
		bad("broker.url is empty")
	} else if u, err := url.Parse(c.Broker.URL); err != nil || !brokerSchemes[u.Scheme] {
		bad("broker.url has unsupported scheme")
	}
	if c.Broker.Exchange == "" {
		bad("broker.exchange is empty")
	}
	if c.Orchestrator.Identity == "" {
		bad("orchestrator.identity is empty")
	}
	if c.Orchestrator.HealthInterval <= 0 {
		bad("orchestrator.health_interval must be positive, got %s", c.Orchestrator.HealthInterval)
	}
	if c.Orchestrator.SilenceThreshold <= 0 {
		bad("orchestrator.silence_threshold must be positive, got %s", c.Orchestrator.SilenceThreshold)
	}
	seen := make(map[string]bool, len(c.Orchestrator.Roster))
	for i, id := range c.Orchestrator.Roster {
		switch {
		case strings.TrimSpace(id) == "":
			bad("orchestrator.roster[%d] is empty", i)
		case seen[id]:
			bad("orchestrator.roster has duplicate %q", id)
		}
		seen[id] = true
	}
	if c.Memory.WorkingTTL < 0 {
		bad("memory.working_ttl must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		bad("logging.format %q is not text or json", c.Logging.Format)
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration with credentials redacted and
// durations in their string form.
func (c *Config) YAML() ([]byte, error) {
	doc := map[string]any{
		"broker": map[string]any{
			"url":      redact(c.Broker.URL),
			"exchange": c.Broker.Exchange,
		},
		"orchestrator": map[string]any{
			"identity":          c.Orchestrator.Identity,
			"roster":            c.Orchestrator.Roster,
			"health_interval":   c.Orchestrator.HealthInterval.String(),
			"silence_threshold": c.Orchestrator.SilenceThreshold.String(),
		},
		"memory": map[string]any{
			"url":         redact(c.Memory.URL),
			"working_ttl": c.Memory.WorkingTTL.String(),
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}
	return yaml.Marshal(doc)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
