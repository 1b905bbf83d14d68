// Package config manages gateway configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/finbridge/paygate/errs"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration wraps time.Duration so both YAML overlays and environment values
// can use human-readable forms such as "500ms".
type Duration time.Duration

// UnmarshalYAML parses duration strings from the YAML overlay.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText parses duration strings from environment values.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the gateway configuration tree loaded from defaults, an
// optional YAML overlay, and environment variables. Environment values win.
type Config struct {
	Environment Environment `env:"PAYGATE_ENV" yaml:"environment" validate:"oneof=dev staging prod"`
	ListenAddr  string      `env:"PAYGATE_LISTEN_ADDR" yaml:"listenAddr" validate:"required"`
	ServiceName string      `env:"PAYGATE_SERVICE_NAME" yaml:"serviceName" validate:"required"`

	// AccountsJSON enumerates every merchant account as a JSON object keyed by
	// account identifier. Secrets stay out of the YAML overlay.
	AccountsJSON string `env:"PAYGATE_ACCOUNTS" yaml:"-"`
	// LegacySecretKey is the single-credential fallback used before
	// multi-account support existed.
	LegacySecretKey string `env:"STRIPE_SECRET_KEY" yaml:"-"`
	// DefaultPublishableKey substitutes for accounts that carry none of their own.
	DefaultPublishableKey string `env:"PAYGATE_DEFAULT_PUBLISHABLE_KEY" yaml:"-"`

	// AllowedSources lists IP addresses and CIDR prefixes permitted to call
	// mutating endpoints.
	AllowedSources []string `env:"PAYGATE_ALLOWED_SOURCES" envSeparator:"," yaml:"allowedSources"`

	BatchSize       int      `env:"PAYGATE_BATCH_SIZE" yaml:"batchSize" validate:"gt=0"`
	BatchDelay      Duration `env:"PAYGATE_BATCH_DELAY" yaml:"batchDelay" validate:"gte=0"`
	ProviderRPS     float64  `env:"PAYGATE_PROVIDER_RPS" yaml:"providerRPS" validate:"gte=0"`
	ShutdownTimeout Duration `env:"PAYGATE_SHUTDOWN_TIMEOUT" yaml:"shutdownTimeout" validate:"gt=0"`

	// DatabaseURL enables the Postgres audit trail when set.
	DatabaseURL string `env:"PAYGATE_DATABASE_URL" yaml:"-"`

	OTLPEndpoint string `env:"PAYGATE_OTLP_ENDPOINT" yaml:"otlpEndpoint"`
}

// Default returns the default gateway configuration.
func Default() Config {
	return Config{
		Environment:           EnvProd,
		ListenAddr:            ":8080",
		ServiceName:           "paygate",
		AccountsJSON:          "",
		LegacySecretKey:       "",
		DefaultPublishableKey: "",
		AllowedSources:        nil,
		BatchSize:             10,
		BatchDelay:            Duration(500 * time.Millisecond),
		ProviderRPS:           25,
		ShutdownTimeout:       Duration(30 * time.Second),
		DatabaseURL:           "",
		OTLPEndpoint:          "",
	}
}

// Load assembles the configuration from defaults, the optional YAML overlay at
// path, and environment variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, errs.New("config", errs.CodeConfiguration,
			errs.WithMessage("parse environment"), errs.WithCause(err))
	}

	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.New("config", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("configuration file %s not found", path)), errs.WithCause(err))
		}
		return errs.New("config", errs.CodeConfiguration,
			errs.WithMessage("read configuration file"), errs.WithCause(err))
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return errs.New("config", errs.CodeConfiguration,
			errs.WithMessage("decode configuration file"), errs.WithCause(err))
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Environment = Environment(strings.ToLower(strings.TrimSpace(string(cfg.Environment))))
	if cfg.Environment == "" {
		cfg.Environment = EnvProd
	}
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.ServiceName = strings.TrimSpace(cfg.ServiceName)

	cleaned := make([]string, 0, len(cfg.AllowedSources))
	for _, entry := range cfg.AllowedSources {
		trimmed := strings.TrimSpace(entry)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	cfg.AllowedSources = cleaned
}

func validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errs.New("config", errs.CodeConfiguration,
			errs.WithMessage("invalid configuration"), errs.WithCause(err))
	}
	return nil
}
