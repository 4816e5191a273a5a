// Command shapetutor is the main entry point for the shapetutor detection
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shapetutor/shapetutor/internal/app"
	"github.com/shapetutor/shapetutor/internal/config"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/resilience"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/exec"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier/httpapi"
	"github.com/shapetutor/shapetutor/pkg/provider/tts"
	"github.com/shapetutor/shapetutor/pkg/provider/tts/coqui"
	"github.com/shapetutor/shapetutor/pkg/provider/tts/elevenlabs"
	oaitts "github.com/shapetutor/shapetutor/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "shapetutor: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "shapetutor: %v\n", err)
		}
		return 1
	}
	if *checkOnly {
		fmt.Printf("shapetutor: %s is valid\n", *configPath)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(level, cfg.Server.LogFormat))

	slog.Info("shapetutor starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLevelVar(level),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("http", func(entry config.ProviderEntry) (classifier.Provider, error) {
		var opts []httpapi.Option
		if entry.Model != "" {
			opts = append(opts, httpapi.WithModel(entry.Model))
		}
		if entry.Timeout > 0 {
			opts = append(opts, httpapi.WithTimeout(entry.Timeout))
		}
		return httpapi.New(entry.BaseURL, opts...)
	})

	reg.RegisterClassifier("exec", func(entry config.ProviderEntry) (classifier.Provider, error) {
		var opts []exec.Option
		if classes := optStrings(entry.Options, "classes"); len(classes) > 0 {
			opts = append(opts, exec.WithClasses(classes))
		}
		if device := optString(entry.Options, "device"); device != "" {
			opts = append(opts, exec.WithDevice(device))
		}
		return exec.New(entry.Command, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(entry.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if entry.Voice != "" {
			opts = append(opts, coqui.WithSpeaker(entry.Voice))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, oaitts.WithVoice(entry.Voice))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaitts.WithTimeout(entry.Timeout))
		}
		if format := optString(entry.Options, "format"); format != "" {
			opts = append(opts, oaitts.WithFormat(format))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	for _, kind := range []string{"classifier", "tts"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Entries with fallbacks are wrapped in circuit-breaking fallback groups.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for _, slot := range []struct {
		kind  string
		entry config.ProviderEntry
		dst   *classifier.Provider
	}{
		{"object_classifier", cfg.Providers.ObjectClassifier, &ps.ObjectClassifier},
		{"touch_classifier", cfg.Providers.TouchClassifier, &ps.TouchClassifier},
	} {
		p, err := buildClassifier(reg, slot.entry)
		if err != nil {
			return nil, fmt.Errorf("create %s %q: %w", slot.kind, slot.entry.Name, err)
		}
		if p != nil {
			*slot.dst = p
			slog.Info("provider created", "kind", slot.kind, "name", slot.entry.Name, "fallbacks", len(slot.entry.Fallbacks))
		}
	}

	p, err := buildTTS(reg, cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if p != nil {
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name, "fallbacks", len(cfg.Providers.TTS.Fallbacks))
	}
	return ps, nil
}

func buildClassifier(reg *config.Registry, entry config.ProviderEntry) (classifier.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateClassifier(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	fb := resilience.NewClassifierFallback(primary, entry.Name, resilience.FallbackConfig{})
	for i, f := range entry.Fallbacks {
		p, err := reg.CreateClassifier(f)
		if err != nil {
			return nil, fmt.Errorf("fallback %d (%s): %w", i, f.Name, err)
		}
		fb.AddFallback(f.Name, p)
	}
	return fb, nil
}

func buildTTS(reg *config.Registry, entry config.ProviderEntry) (tts.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	fb := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{})
	for i, f := range entry.Fallbacks {
		p, err := reg.CreateTTS(f)
		if err != nil {
			return nil, fmt.Errorf("fallback %d (%s): %w", i, f.Name, err)
		}
		fb.AddFallback(f.Name, p)
	}
	return fb, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	p := cfg.Detection.Params()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       shapetutor: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Object", cfg.Providers.ObjectClassifier.Name, cfg.Providers.ObjectClassifier.Model)
	printProvider("Touch", cfg.Providers.TouchClassifier.Name, cfg.Providers.TouchClassifier.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Votes           : %-19s ║\n", fmt.Sprintf("%d/%d, absence %d", p.DetectionThreshold, p.TargetFrames, p.AbsenceLimit))
	fmt.Printf("║  Journal         : %-19s ║\n", cfg.Journal.Backend)
	if cfg.MCP.Enabled {
		fmt.Printf("║  MCP tools       : %-19s ║\n", cfg.MCP.Path)
	} else {
		fmt.Printf("║  MCP tools       : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a string list from a provider Options map. YAML decodes
// sequences as []any, so each element is checked individually.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
