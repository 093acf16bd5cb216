// ABOUTME: Configuration loading and parsing for the fold gateway client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Gateway   GatewayConfig          `yaml:"gateway"`
	Client    ClientConfig           `yaml:"client"`
	Auth      AuthConfig             `yaml:"auth"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Usage     UsageConfig            `yaml:"usage"`
	Reconcile ReconcileConfig        `yaml:"reconcile"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// GatewayConfig holds connection settings for the remote gateway.
type GatewayConfig struct {
	URL         string `yaml:"url"`
	MinProtocol int    `yaml:"min_protocol"`
	MaxProtocol int    `yaml:"max_protocol"`

	RequestTimeout time.Duration `yaml:"-"`
	RunTimeout     time.Duration `yaml:"-"`
	BackoffMin     time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	RunTimeoutRaw     string `yaml:"run_timeout"`
	BackoffMinRaw     string `yaml:"backoff_min"`
	BackoffMaxRaw     string `yaml:"backoff_max"`
}

// ClientConfig is the client identity descriptor sent in the handshake.
type ClientConfig struct {
	ID       string `yaml:"id"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform"`
	Mode     string `yaml:"mode"`
}

// AuthConfig holds handshake credential settings. Either a signing
// secret (tokens minted locally) or a pre-minted token must be set.
type AuthConfig struct {
	Secret  string `yaml:"secret"`
	Subject string `yaml:"subject"`
	Token   string `yaml:"token"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// AgentConfig holds statically configured per-agent settings: the
// lowest-precedence outbound attribute defaults and an optional model.
type AgentConfig struct {
	Attributes map[string]string `yaml:"attributes"`
	Model      string            `yaml:"model"`
}

// UsageConfig holds the local usage journal settings.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReconcileConfig selects the divergence policy for final-content
// reconciliation. Valid values: "replace" (default), "keep-stream".
type ReconcileConfig struct {
	Policy string `yaml:"policy"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present
// and valid. Returns the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.MinProtocol <= 0 || c.Gateway.MaxProtocol < c.Gateway.MinProtocol {
		return fmt.Errorf("gateway protocol bounds invalid: [%d, %d]", c.Gateway.MinProtocol, c.Gateway.MaxProtocol)
	}
	if c.Client.ID == "" {
		return fmt.Errorf("client.id is required")
	}
	if c.Auth.Secret == "" && c.Auth.Token == "" {
		return fmt.Errorf("auth.secret or auth.token is required")
	}
	if c.Auth.Secret != "" && c.Auth.Subject == "" {
		return fmt.Errorf("auth.subject is required when minting tokens from auth.secret")
	}
	if c.Usage.Enabled && c.Usage.Path == "" {
		return fmt.Errorf("usage.path is required when usage journaling is enabled")
	}
	switch c.Reconcile.Policy {
	case "", "replace", "keep-stream":
	default:
		return fmt.Errorf("reconcile.policy must be \"replace\" or \"keep-stream\", got %q", c.Reconcile.Policy)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Gateway.RequestTimeoutRaw, "gateway.request_timeout", &cfg.Gateway.RequestTimeout},
		{cfg.Gateway.RunTimeoutRaw, "gateway.run_timeout", &cfg.Gateway.RunTimeout},
		{cfg.Gateway.BackoffMinRaw, "gateway.backoff_min", &cfg.Gateway.BackoffMin},
		{cfg.Gateway.BackoffMaxRaw, "gateway.backoff_max", &cfg.Gateway.BackoffMax},
		{cfg.Auth.TokenTTLRaw, "auth.token_ttl", &cfg.Auth.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
