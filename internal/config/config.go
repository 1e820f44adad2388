// Package config loads the queuegate YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/queuegate/broker"
)

// EnvConfigPath names the environment variable holding the config path
const EnvConfigPath = "QUEUEGATE_CONFIG"

const (
	DefaultListen         = ":8080"
	DefaultHeaderPrefix   = "X-"
	DefaultPoolSize       = 5
	DefaultAcquireTimeout = 5 * time.Second
	DefaultDialTimeout    = 30 * time.Second
	DefaultRedisKeyPrefix = "queuegate:"

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerOpenTimeout      = 30 * time.Second
	DefaultStartupRetries          = 5
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Config is the process configuration
type Config struct {
	Listen string `yaml:"listen"`
	// HeaderPrefix selects which HTTP request headers become message
	// properties on send
	HeaderPrefix string           `yaml:"header_prefix"`
	MaxBrowse    int              `yaml:"max_browse"`
	Log          LogConfig        `yaml:"log"`
	Endpoints    []EndpointConfig `yaml:"endpoints"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// EndpointConfig describes one named broker endpoint
type EndpointConfig struct {
	Name                      string        `yaml:"name"`
	URI                       string        `yaml:"uri"`
	PoolSize                  int           `yaml:"pool_size"`
	AcquireTimeout            time.Duration `yaml:"acquire_timeout"`
	DialTimeout               time.Duration `yaml:"dial_timeout"`
	DefaultDestination        string        `yaml:"default_destination"`
	Transacted                *bool         `yaml:"transacted"`
	AckMode                   string        `yaml:"ack_mode"`
	DeclareDefaultDestination bool          `yaml:"declare_default_destination"`
	// StartupRetries bounds the retries of declaring the default destination
	StartupRetries int                  `yaml:"startup_retries"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	SQS            SQSConfig            `yaml:"sqs"`
	Redis          RedisConfig          `yaml:"redis"`
}

// CircuitBreakerConfig guards connection attempts of one endpoint
type CircuitBreakerConfig struct {
	Disabled         bool          `yaml:"disabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// RabbitMQConfig holds RabbitMQ-specific configuration
type RabbitMQConfig struct {
	// DeliveryLimitedQueues are never browsed, since every browse counts
	// against their x-delivery-limit
	DeliveryLimitedQueues []string `yaml:"delivery_limited_queues"`
}

// SQSConfig holds SQS-specific configuration
type SQSConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// SessionMode returns the mode pooled sessions of the endpoint are opened with
func (e EndpointConfig) SessionMode() broker.SessionMode {
	mode := broker.SessionMode{Transacted: true}
	if e.Transacted != nil {
		mode.Transacted = *e.Transacted
	}
	if ack, ok := broker.ParseAckMode(e.AckMode); ok {
		mode.AckMode = ack
	}
	return mode
}

// Default returns the configuration of a single in-process endpoint named
// testCF publishing to testqueue
func Default() *Config {
	cfg := &Config{
		Endpoints: []EndpointConfig{
			{
				Name:               "testCF",
				URI:                "vm://testCF?broker.persistent=false&broker.useJmx=false",
				DefaultDestination: "testqueue",
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads, expands and validates the file at path. An empty path falls
// back to $QUEUEGATE_CONFIG and then to Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses raw YAML, applying environment variable substitution and
// defaults before validating.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.HeaderPrefix == "" {
		c.HeaderPrefix = DefaultHeaderPrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.PoolSize == 0 {
			ep.PoolSize = DefaultPoolSize
		}
		if ep.AcquireTimeout == 0 {
			ep.AcquireTimeout = DefaultAcquireTimeout
		}
		if ep.DialTimeout == 0 {
			ep.DialTimeout = DefaultDialTimeout
		}
		if ep.AckMode == "" {
			ep.AckMode = "auto"
		}
		if ep.Redis.KeyPrefix == "" {
			ep.Redis.KeyPrefix = DefaultRedisKeyPrefix
		}
		if ep.StartupRetries == 0 {
			ep.StartupRetries = DefaultStartupRetries
		}
		if ep.CircuitBreaker.FailureThreshold == 0 {
			ep.CircuitBreaker.FailureThreshold = DefaultBreakerFailureThreshold
		}
		if ep.CircuitBreaker.OpenTimeout == 0 {
			ep.CircuitBreaker.OpenTimeout = DefaultBreakerOpenTimeout
		}
	}
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.MaxBrowse < 0 {
		errs = append(errs, errors.New("max_browse must not be negative"))
	}
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("no endpoints configured"))
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		label := fmt.Sprintf("endpoint %d", i)
		if ep.Name != "" {
			label = fmt.Sprintf("endpoint %q", ep.Name)
		}

		switch {
		case ep.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		case seen[ep.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate name", label))
		}
		seen[ep.Name] = true

		if ep.URI == "" {
			errs = append(errs, fmt.Errorf("%s: uri is required", label))
		}
		if ep.DefaultDestination == "" {
			errs = append(errs, fmt.Errorf("%s: default_destination is required", label))
		}
		if ep.PoolSize < 1 {
			errs = append(errs, fmt.Errorf("%s: pool_size must be at least 1", label))
		}
		if ep.AcquireTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s: acquire_timeout must not be negative", label))
		}
		if ep.StartupRetries < 0 {
			errs = append(errs, fmt.Errorf("%s: startup_retries must not be negative", label))
		}
		if ep.CircuitBreaker.FailureThreshold < 0 || ep.CircuitBreaker.OpenTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s: circuit_breaker settings must not be negative", label))
		}
		if _, ok := broker.ParseAckMode(ep.AckMode); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown ack_mode %q", label, ep.AckMode))
		}
	}
	return errors.Join(errs...)
}

// ExpandEnvVars expands environment variables in the input string.
// Supports ${VAR_NAME} and ${VAR_NAME:-default} syntax.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val := os.Getenv(submatch[1]); val != "" {
			return val
		}
		if len(submatch) >= 3 {
			return submatch[2]
		}
		return ""
	})
}

// Scheme returns the scheme of the endpoint URI, lower-cased
func (e EndpointConfig) Scheme() string {
	scheme, _, ok := strings.Cut(e.URI, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
