// Package config loads the calibration service's configuration from the
// environment using viper, the way the teacher's am package loads its
// configuration — minus any file-based layering, since this service
// recognizes environment variables only.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// Environment selects report generation and, indirectly, log formatting.
type Environment string

const (
	Production Environment = "PRODUCTION"
	Test       Environment = "TEST"
)

// Config is the process-wide, immutable configuration record populated
// once at startup. Field names mirror the recognized options table.
type Config struct {
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Email       EmailConfig       `mapstructure:"email"`
	PodName     string            `mapstructure:"pod_name"`
	Tunables    TunablesConfig    `mapstructure:"tunables"`
	Thresholds  ThresholdsConfig  `mapstructure:"thresholds"`
	Environment Environment       `mapstructure:"environment"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// URL builds the AMQP connection URL consumed by the broker package.
func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
}

// DSN builds the connection string consumed by database/sql via pgx/stdlib.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DB)
}

type ConnectionsConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type EmailConfig struct {
	Sender   string `mapstructure:"sender"`
	Password string `mapstructure:"password"`
}

type TunablesConfig struct {
	UpperBoundClients    int `mapstructure:"upper_bound_clients"`
	ClientTimeoutSeconds int `mapstructure:"client_timeout_seconds"`
	MaxRetries           int `mapstructure:"max_retries"`
}

type ThresholdsConfig struct {
	CalibrationLimit int `mapstructure:"calibration_limit"`
	UncertaintyLimit int `mapstructure:"uncertainty_limit"`
}

// mandatoryEnvVars is the authoritative list of env vars that must be set;
// SetDefaults intentionally leaves these unset so their absence is visible.
var mandatoryEnvVars = []string{
	"RABBITMQ_HOST", "RABBITMQ_PORT", "RABBITMQ_USER", "RABBITMQ_PASSWORD",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB",
	"CONNECTIONS_SERVICE_URL", "EMAIL_SENDER", "EMAIL_PASSWORD", "POD_NAME",
}

var globalConfig *Config

// Load reads configuration from the environment via Viper, validates that
// every mandatory variable is present, and caches the result for the life
// of the process.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadWithViper(newViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// Reset clears the cached configuration. Used by tests that need to reload
// with a different environment.
func Reset() {
	globalConfig = nil
}

// LoadWithViper unmarshals and validates configuration from a caller-
// supplied Viper instance, bypassing the process-wide cache.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	if err := validateMandatory(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	SetDefaults(v)
	return v
}

// bindEnv binds every mapstructure key to its spec-mandated env var name,
// since for several keys the dotted layout doesn't map onto the flat env
// var name through AutomaticEnv's replacer alone (tunables.max_retries
// would become TUNABLES_MAX_RETRIES, not MAX_RETRIES).
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"rabbitmq.host":                  "RABBITMQ_HOST",
		"rabbitmq.port":                  "RABBITMQ_PORT",
		"rabbitmq.user":                  "RABBITMQ_USER",
		"rabbitmq.password":              "RABBITMQ_PASSWORD",
		"postgres.host":                  "POSTGRES_HOST",
		"postgres.port":                  "POSTGRES_PORT",
		"postgres.user":                  "POSTGRES_USER",
		"postgres.password":              "POSTGRES_PASSWORD",
		"postgres.db":                    "POSTGRES_DB",
		"connections.base_url":           "CONNECTIONS_SERVICE_URL",
		"email.sender":                   "EMAIL_SENDER",
		"email.password":                 "EMAIL_PASSWORD",
		"pod_name":                       "POD_NAME",
		"tunables.upper_bound_clients":   "UPPER_BOUND_CLIENTS",
		"tunables.client_timeout_seconds": "CLIENT_TIMEOUT_SECONDS",
		"tunables.max_retries":           "MAX_RETRIES",
		"thresholds.calibration_limit":   "CALIBRATION_LIMIT",
		"thresholds.uncertainty_limit":   "UNCERTAINTY_LIMIT",
		"environment":                    "ENVIRONMENT",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func validateMandatory(v *viper.Viper) error {
	var missing []string
	for _, name := range mandatoryEnvVars {
		if v.GetString(envToKey(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Newf("missing mandatory environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envToKey(env string) string {
	switch env {
	case "CONNECTIONS_SERVICE_URL":
		return "connections.base_url"
	case "POD_NAME":
		return "pod_name"
	default:
		return strings.ToLower(strings.Replace(env, "_", ".", 1))
	}
}

// String redacts credentials for safe logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{RabbitMQ: %s:%d, Postgres: %s:%d/%s, Connections: %s, PodName: %s, Environment: %s, Thresholds: {CL:%d UL:%d}}",
		c.RabbitMQ.Host, c.RabbitMQ.Port,
		c.Postgres.Host, c.Postgres.Port, c.Postgres.DB,
		c.Connections.BaseURL, c.PodName, c.Environment,
		c.Thresholds.CalibrationLimit, c.Thresholds.UncertaintyLimit,
	)
}

// IsProduction reports whether the Reporter should run per invariant I6.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
