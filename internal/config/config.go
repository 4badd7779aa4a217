package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	Env     string        `yaml:"env"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Store   StoreConfig   `yaml:"store"`
	NATS    NATSConfig    `yaml:"nats"`
	AMQP    AMQPConfig    `yaml:"amqp"`
	Cipher  CipherConfig  `yaml:"cipher"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Port        string `yaml:"port"`
	DebugRoutes bool   `yaml:"debug_routes"`
}

type GRPCConfig struct {
	Port string `yaml:"port"`
}

// StoreConfig selects the document store backend: "memory" or "postgres".
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NATSConfig enables cross-instance change notifications when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// CipherConfig names the message secret: either a passphrase with its salt
// or an age-sealed key file with the identity that opens it.
type CipherConfig struct {
	Passphrase      string `yaml:"passphrase"`
	Salt            string `yaml:"salt"`
	KeyFile         string `yaml:"key_file"`
	AgeIdentityFile string `yaml:"age_identity_file"`
}

type AuthConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type TracingConfig struct {
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Env:     "local",
		HTTP:    HTTPConfig{Port: "8083"},
		GRPC:    GRPCConfig{Port: "9083"},
		Store:   StoreConfig{Driver: DriverMemory},
		AMQP:    AMQPConfig{Exchange: "app.events"},
		Auth:    AuthConfig{SessionTTL: 30 * 24 * time.Hour},
		Tracing: TracingConfig{ServiceName: "chat-vault"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults, then applies environment
// overrides. An empty path skips the file. Files ending in .json or .jsonc
// may carry comments and trailing commas.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonc":
			data = jsonc.ToJSON(data)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("APP_ENV", c.Env)
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.GRPC.Port = getEnv("GRPC_PORT", c.GRPC.Port)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("DB_DSN", c.Store.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.AMQP.URL = getEnv("AMQP_URL", c.AMQP.URL)
	c.AMQP.Exchange = getEnv("AMQP_EXCHANGE", c.AMQP.Exchange)
	c.Cipher.Passphrase = getEnv("CIPHER_PASSPHRASE", c.Cipher.Passphrase)
	c.Cipher.Salt = getEnv("CIPHER_SALT", c.Cipher.Salt)
	c.Cipher.KeyFile = getEnv("CIPHER_KEY_FILE", c.Cipher.KeyFile)
	c.Cipher.AgeIdentityFile = getEnv("CIPHER_AGE_IDENTITY_FILE", c.Cipher.AgeIdentityFile)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if raw, ok := os.LookupEnv("DEBUG_ROUTES"); ok {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("DEBUG_ROUTES: %w", err)
		}
		c.HTTP.DebugRoutes = enabled
	}
	return nil
}

// Validate reports configuration that would keep the service from
// starting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	hasPassphrase := c.Cipher.Passphrase != ""
	hasKeyFile := c.Cipher.KeyFile != ""
	switch {
	case !hasPassphrase && !hasKeyFile:
		errs = append(errs, errors.New("cipher.passphrase or cipher.key_file is required"))
	case hasPassphrase && hasKeyFile:
		errs = append(errs, errors.New("cipher.passphrase and cipher.key_file are mutually exclusive"))
	case hasPassphrase && c.Cipher.Salt == "":
		errs = append(errs, errors.New("cipher.salt is required with cipher.passphrase"))
	case hasKeyFile && c.Cipher.AgeIdentityFile == "":
		errs = append(errs, errors.New("cipher.age_identity_file is required with cipher.key_file"))
	}

	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in a production
// environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
