package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHAPETUTOR_"

// envOverrides lists the settings that can be supplied through the
// environment. Secrets and deployment-specific addresses live here so the
// YAML file can be committed.
type envOverrides struct {
	ListenAddr   string `env:"LISTEN_ADDR"`
	LogLevel     string `env:"LOG_LEVEL"`
	TTSAPIKey    string `env:"TTS_API_KEY"`
	JournalDSN   string `env:"JOURNAL_DSN"`
	NATSURL      string `env:"NATS_URL"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// ApplyEnv overlays SHAPETUTOR_* environment variables onto cfg. Unset
// variables leave the YAML value untouched.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// ApplyEnvFrom is ApplyEnv reading from environ instead of the process
// environment. Keys carry the prefix.
func ApplyEnvFrom(cfg *Config, environ map[string]string) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	set((*string)(&cfg.Server.LogLevel), o.LogLevel)
	set(&cfg.Providers.TTS.APIKey, o.TTSAPIKey)
	set(&cfg.Journal.DSN, o.JournalDSN)
	if o.JournalDSN != "" && cfg.Journal.Backend == "" {
		cfg.Journal.Backend = JournalPostgres
	}
	set(&cfg.Events.URL, o.NATSURL)
	set(&cfg.Telemetry.OTLPEndpoint, o.OTLPEndpoint)
	return nil
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
