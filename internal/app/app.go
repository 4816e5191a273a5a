// Package app wires all shapetutor subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithJournal,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shapetutor/shapetutor/internal/api"
	"github.com/shapetutor/shapetutor/internal/config"
	"github.com/shapetutor/shapetutor/internal/detect"
	"github.com/shapetutor/shapetutor/internal/feature"
	"github.com/shapetutor/shapetutor/internal/health"
	"github.com/shapetutor/shapetutor/internal/journal"
	"github.com/shapetutor/shapetutor/internal/locale"
	"github.com/shapetutor/shapetutor/internal/mcptools"
	"github.com/shapetutor/shapetutor/internal/observe"
	"github.com/shapetutor/shapetutor/internal/rotation"
	"github.com/shapetutor/shapetutor/internal/speech"
	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
	"github.com/shapetutor/shapetutor/pkg/provider/tts"
	"github.com/shapetutor/shapetutor/pkg/types"
)

// shutdownTimeout bounds the graceful HTTP shutdown started when Run's
// context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	ObjectClassifier classifier.Provider
	TouchClassifier  classifier.Provider
	TTS              tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	configPath     string

	locale   *locale.Resolver
	journal  journal.Store
	registry *rotation.Registry
	rotation *rotation.Service
	feature  *feature.Service
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects an outcome store instead of opening one from config.
// The App does not close an injected store.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.journal = s }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config hot-reload change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch makes Run poll path and apply hot-reloadable changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLocale injects a locale resolver instead of loading one from config.
func WithLocale(r *locale.Resolver) Option {
	return func(a *App) { a.locale = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: locale tables, journal
// connection, classifier refinement, and HTTP routing.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initLocale(); err != nil {
		return nil, err
	}
	if err := a.initJournal(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	a.initServices()
	return a, nil
}

func (a *App) initLocale() error {
	if a.locale != nil {
		return nil
	}
	if dir := a.cfg.Locale.Dir; dir != "" {
		r, err := locale.Load(os.DirFS(dir))
		if err != nil {
			return fmt.Errorf("app: load locales from %q: %w", dir, err)
		}
		a.locale = r
		return nil
	}
	a.locale = locale.Default()
	return nil
}

// initJournal opens the configured outcome store and, when an events URL is
// set, wraps it in a NATS publisher.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}
	jc := a.cfg.Journal
	var store journal.Store
	switch jc.Backend {
	case config.JournalPostgres:
		s, err := journal.OpenPostgres(ctx, jc.DSN)
		if err != nil {
			return fmt.Errorf("app: open journal: %w", err)
		}
		store = s
	case config.JournalSQLite:
		s, err := journal.OpenSQLite(ctx, jc.Path)
		if err != nil {
			return fmt.Errorf("app: open journal: %w", err)
		}
		store = s
	default:
		store = journal.NewMemory(jc.Capacity)
	}
	a.closers = append(a.closers, store.Close)

	if url := a.cfg.Events.URL; url != "" {
		p, err := journal.ConnectPublisher(store, strings.Split(url, ","), a.cfg.Events.Subject)
		if err != nil {
			return fmt.Errorf("app: events: %w", err)
		}
		// The publisher closes the inner store itself.
		a.closers[len(a.closers)-1] = p.Close
		store = p
	}
	a.journal = store
	slog.Info("journal ready", "backend", jc.Backend, "events", a.cfg.Events.URL != "")
	return nil
}

func (a *App) initServices() {
	d := a.cfg.Detection

	var vocab *classifier.Vocabulary
	if len(d.Vocabulary) > 0 {
		vocab = classifier.NewVocabulary(d.Vocabulary, d.SnapThreshold)
	}
	objCls := &detect.Classifier{
		Name:     "object",
		Provider: refine(a.providers.ObjectClassifier, classifier.RefineOptions{MinConfidence: d.ObjectMinConfidence, Vocabulary: vocab}),
		Metrics:  a.metrics,
	}
	touchCls := &detect.Classifier{
		Name:     "touch",
		Provider: refine(a.providers.TouchClassifier, classifier.RefineOptions{MinConfidence: d.TouchMinConfidence}),
		Metrics:  a.metrics,
	}

	narrator := speech.New(a.providers.TTS,
		speech.WithVoice(types.VoiceProfile{ID: a.cfg.Providers.TTS.Voice, Provider: a.cfg.Providers.TTS.Name}),
		speech.WithMetrics(a.metrics),
		speech.WithCache(a.cfg.Speech.CacheSize),
	)

	a.registry = rotation.NewRegistry(d.Params(), rotation.WithRegistryMetrics(a.metrics))
	a.rotation = rotation.NewService(rotation.Config{
		Registry:          a.registry,
		Classifier:        objCls,
		Narrator:          narrator,
		Locale:            a.locale,
		Journal:           a.journal,
		Metrics:           a.metrics,
		SampleCount:       d.SampleCount,
		SampleConcurrency: d.SampleConcurrency,
		DefaultLanguage:   a.cfg.Locale.Default,
	})
	a.feature = feature.NewService(feature.NewGate(a.metrics), touchCls, narrator, a.locale, a.metrics)

	var limiter *rate.Limiter
	if r := a.cfg.Server.StillRateLimit; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), a.cfg.Server.StillBurst)
	}
	apiServer := api.New(api.Config{
		Rotation:         a.rotation,
		Feature:          a.feature,
		Narrator:         narrator,
		Locale:           a.locale,
		ObjectClassifier: objCls,
		TouchClassifier:  touchCls,
		Journal:          a.journal,
		MaxUploadBytes:   a.cfg.Server.MaxUploadBytes,
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		StillLimiter:     limiter,
		DefaultLanguage:  a.cfg.Locale.Default,
	})

	mux := http.NewServeMux()
	apiServer.Register(mux)
	health.New(
		health.ClassifierCheck("object_classifier", objCls.Info),
		health.ClassifierCheck("touch_classifier", touchCls.Info),
		health.PingCheck("journal", a.journal.Ping, true),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.cfg.MCP.Enabled {
		tools := mcptools.NewServer(mcptools.Deps{
			Locale:  a.locale,
			Journal: a.journal,
			Gate:    a.feature.Gate(),
			Metrics: a.metrics,
		})
		mux.Handle(a.cfg.MCP.Path, mcptools.Handler(tools))
		slog.Info("mcp tools enabled", "path", a.cfg.MCP.Path)
	}

	a.handler = observe.Middleware(a.metrics)(api.CORS(a.cfg.Server.AllowedOrigins)(mux))
}

// refine wraps p with confidence filtering and label normalisation. A nil
// provider stays nil so that requests report the classifier as unavailable.
func refine(p classifier.Provider, opts classifier.RefineOptions) classifier.Provider {
	if p == nil {
		return nil
	}
	return classifier.Refine(p, opts)
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the rotation session registry.
func (a *App) Registry() *rotation.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the server fails. The idle-session janitor and, when enabled,
// the config watcher run alongside the server.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.registry.RunJanitor(gctx, a.cfg.Detection.IdleTimeout, a.cfg.Detection.SweepInterval)
		return nil
	})
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
			g.Go(func() error { return reloadOnHangup(gctx, w) })
		}
	}

	slog.Info("app running", "target_frames", a.registry.Params().TargetFrames)
	return g.Wait()
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
				continue
			}
			slog.Info("config reload on SIGHUP", "changed", changed)
		}
	}
}

// ApplyConfig applies the hot-reloadable part of a changed config file.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ParamsChanged {
		a.registry.SetParams(d.NewParams)
		slog.Info("detection parameters changed",
			"target_frames", d.NewParams.TargetFrames,
			"detection_threshold", d.NewParams.DetectionThreshold,
			"absence_limit", d.NewParams.AbsenceLimit,
		)
	}
	var restart []string
	if d.SamplingChanged {
		restart = append(restart, "detection.sample_count", "detection.sample_concurrency")
	}
	if d.VocabularyChanged {
		restart = append(restart, "detection.vocabulary")
	}
	restart = append(restart, d.RestartRequired...)
	if len(restart) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", restart)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
