package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/shapetutor/shapetutor/internal/observe"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"classifier": {"http", "exec"},
	"tts":        {"elevenlabs", "coqui", "openai"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Server.StillRateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.still_rate_limit %.2f must not be negative", cfg.Server.StillRateLimit))
	}
	if cfg.Speech.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("speech.cache_size %d must not be negative", cfg.Speech.CacheSize))
	}

	// Providers
	if cfg.Providers.ObjectClassifier.Name == "" {
		slog.Warn("providers.object_classifier is not configured; rotation detection will answer 503")
	}
	if cfg.Providers.TouchClassifier.Name == "" {
		slog.Warn("providers.touch_classifier is not configured; feature detection will answer 503")
	}
	errs = append(errs, validateEntry("providers.object_classifier", "classifier", cfg.Providers.ObjectClassifier)...)
	errs = append(errs, validateEntry("providers.touch_classifier", "classifier", cfg.Providers.TouchClassifier)...)
	errs = append(errs, validateEntry("providers.tts", "tts", cfg.Providers.TTS)...)

	// Detection
	d := cfg.Detection
	if err := d.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}
	for field, v := range map[string]float64{
		"object_min_confidence": d.ObjectMinConfidence,
		"touch_min_confidence":  d.TouchMinConfidence,
		"snap_threshold":        d.SnapThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("detection.%s %.2f is out of range [0, 1]", field, v))
		}
	}
	if d.SampleCount < 0 || d.SampleConcurrency < 0 {
		errs = append(errs, errors.New("detection.sample_count and detection.sample_concurrency must not be negative"))
	}
	if d.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("detection.idle_timeout %v must not be negative", d.IdleTimeout))
	}

	// Journal
	switch b := cfg.Journal.Backend; {
	case b == "":
	case !b.IsValid():
		errs = append(errs, fmt.Errorf("journal.backend %q is invalid; valid values: memory, sqlite, postgres", b))
	case b == JournalPostgres && cfg.Journal.DSN == "":
		errs = append(errs, errors.New("journal.dsn is required when backend is postgres"))
	case b == JournalSQLite && cfg.Journal.Path == "":
		errs = append(errs, errors.New("journal.path is required when backend is sqlite"))
	}

	// Telemetry
	switch exp := cfg.Telemetry.TraceExporter; exp {
	case observe.TraceExporterNone, observe.TraceExporterStdout:
	case observe.TraceExporterOTLP, observe.TraceExporterOTLPHTTP:
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("telemetry.otlp_endpoint is required when trace_exporter is %s", exp))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: stdout, otlp, otlphttp", exp))
	}

	// MCP
	if cfg.MCP.Path != "" && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	// Locale
	if cfg.Locale.Default != "" {
		if _, err := language.Parse(cfg.Locale.Default); err != nil {
			errs = append(errs, fmt.Errorf("locale.default %q: %w", cfg.Locale.Default, err))
		}
	}

	return errors.Join(errs...)
}

func validateEntry(prefix, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		if len(e.Fallbacks) > 0 {
			return []error{fmt.Errorf("%s.name is required when fallbacks are configured", prefix)}
		}
		return nil
	}
	validateProviderName(kind, e.Name)

	var errs []error
	if kind == "classifier" {
		switch e.Name {
		case "http":
			if e.BaseURL == "" {
				errs = append(errs, fmt.Errorf("%s.base_url is required for the http classifier", prefix))
			}
		case "exec":
			if e.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required for the exec classifier", prefix))
			}
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %v must not be negative", prefix, e.Timeout))
	}
	for i, fb := range e.Fallbacks {
		sub := fmt.Sprintf("%s.fallbacks[%d]", prefix, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", sub))
			continue
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", sub))
		}
		errs = append(errs, validateEntry(sub, kind, fb)...)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
