// Package config provides the configuration schema, loader, environment
// overrides, hot-reload watcher and provider registry for shapetutor.
package config

import (
	"log/slog"
	"time"

	"github.com/shapetutor/shapetutor/internal/aggregate"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
)

// LogLevel controls log verbosity for the shapetutor server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// JournalBackend selects where terminal outcomes are recorded.
type JournalBackend string

const (
	JournalMemory   JournalBackend = "memory"
	JournalSQLite   JournalBackend = "sqlite"
	JournalPostgres JournalBackend = "postgres"
)

// IsValid reports whether b is a recognised journal backend.
func (b JournalBackend) IsValid() bool {
	switch b {
	case JournalMemory, JournalSQLite, JournalPostgres:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr          = ":8000"
	DefaultObjectMinConfidence = 0.5
	DefaultTouchMinConfidence  = 0.3
	DefaultSampleConcurrency   = 4
	DefaultMaxUploadBytes      = 10 << 20
	DefaultSweepInterval       = time.Minute
	DefaultMCPPath             = "/mcp"
)

// Config is the root configuration structure for shapetutor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Detection DetectionConfig `yaml:"detection"`
	Journal   JournalConfig   `yaml:"journal"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MCP       MCPConfig       `yaml:"mcp"`
	Locale    LocaleConfig    `yaml:"locale"`
	Speech    SpeechConfig    `yaml:"speech"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default ":8000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`

	// MaxUploadBytes caps a multipart frame upload. Default 10 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// AllowedOrigins lists browser origins allowed by CORS and the WebSocket
	// endpoint. "*" allows any origin. Empty allows same-origin requests
	// only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// StillRateLimit caps still-image detections per second across all
	// clients. Zero disables the limit.
	StillRateLimit float64 `yaml:"still_rate_limit"`

	// StillBurst is the burst allowed above StillRateLimit. Default 1.
	StillBurst int `yaml:"still_burst"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which backend serves each external concern. Each
// entry selects a factory registered in the [Registry].
type ProvidersConfig struct {
	ObjectClassifier ProviderEntry `yaml:"object_classifier"`
	TouchClassifier  ProviderEntry `yaml:"touch_classifier"`
	TTS              ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "http", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend, if it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the backend.
	Model string `yaml:"model"`

	// Voice selects a TTS voice. Ignored by classifiers.
	Voice string `yaml:"voice"`

	// Command is the inference command line for the exec classifier.
	Command string `yaml:"command"`

	// Timeout bounds a single call. Zero keeps the backend default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this backend fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// DetectionConfig tunes aggregation and classifier post-processing.
// Zero values select defaults.
type DetectionConfig struct {
	TargetFrames       int `yaml:"target_frames"`
	DetectionThreshold int `yaml:"detection_threshold"`
	AbsenceLimit       int `yaml:"absence_limit"`

	// ObjectMinConfidence drops object detections scored below it.
	ObjectMinConfidence float64 `yaml:"object_min_confidence"`

	// TouchMinConfidence drops feature detections scored below it.
	TouchMinConfidence float64 `yaml:"touch_min_confidence"`

	// Vocabulary lists the known object labels. Unknown labels are snapped
	// to the closest entry when similar enough.
	Vocabulary []string `yaml:"vocabulary"`

	// SnapThreshold is the minimum Jaro-Winkler similarity for snapping.
	SnapThreshold float64 `yaml:"snap_threshold"`

	// SampleCount is the number of classifier runs on a still image.
	SampleCount int `yaml:"sample_count"`

	// SampleConcurrency bounds parallel classifier runs on a still image.
	SampleConcurrency int `yaml:"sample_concurrency"`

	// IdleTimeout evicts rotation sessions untouched for that long. Zero
	// disables eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Params returns the aggregation parameters, defaults filled in.
func (d DetectionConfig) Params() aggregate.Params {
	p := aggregate.DefaultParams()
	if d.TargetFrames > 0 {
		p.TargetFrames = d.TargetFrames
	}
	if d.DetectionThreshold > 0 {
		p.DetectionThreshold = d.DetectionThreshold
	}
	if d.AbsenceLimit > 0 {
		p.AbsenceLimit = d.AbsenceLimit
	}
	return p
}

// JournalConfig selects the outcome journal backend.
type JournalConfig struct {
	// Backend is "memory" (default), "sqlite" or "postgres".
	Backend JournalBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Capacity bounds the in-memory journal.
	Capacity int `yaml:"capacity"`
}

// EventsConfig configures outcome publishing to NATS. Publishing is off
// when URL is empty.
type EventsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

// MCPConfig controls the embedded MCP tool server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LocaleConfig controls localization.
type LocaleConfig struct {
	// Default is the language used when a request names none.
	Default string `yaml:"default"`

	// Dir replaces the embedded tables with locales/*.yaml from this
	// directory.
	Dir string `yaml:"dir"`
}

// SpeechConfig tunes narration independent of the TTS backend.
type SpeechConfig struct {
	// CacheSize is the number of synthesized utterances kept in memory.
	// Zero disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Server.StillRateLimit > 0 && c.Server.StillBurst <= 0 {
		c.Server.StillBurst = 1
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	d := &c.Detection
	if d.ObjectMinConfidence == 0 {
		d.ObjectMinConfidence = DefaultObjectMinConfidence
	}
	if d.TouchMinConfidence == 0 {
		d.TouchMinConfidence = DefaultTouchMinConfidence
	}
	if d.SnapThreshold == 0 {
		d.SnapThreshold = classifier.DefaultSnapThreshold
	}
	if d.SampleCount <= 0 {
		d.SampleCount = aggregate.DefaultSampleCount
	}
	if d.SampleConcurrency <= 0 {
		d.SampleConcurrency = DefaultSampleConcurrency
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = DefaultSweepInterval
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = JournalMemory
	}
	if c.MCP.Path == "" {
		c.MCP.Path = DefaultMCPPath
	}
}
