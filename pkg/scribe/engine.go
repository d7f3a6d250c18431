package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/broadcast"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/observers"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/runner"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/transcription"
	"github.com/harunnryd/callscribe/pkg/transports"
	twiliotransport "github.com/harunnryd/callscribe/pkg/transports/twilio"
)

// Engine owns every long-lived component of the service and tears them down
// in order.
type Engine struct {
	cfg        Config
	log        *slog.Logger
	provider   stt.Provider
	dispatcher *transcription.Dispatcher
	hub        *broadcast.Hub
	registry   *session.Registry
	router     *twiliotransport.Router
	prom       *observers.PrometheusObserver
	multiObs   *observers.MultiObserver
	asyncObs   *metrics.AsyncObserver
	jsonl      *os.File
	runner     *runner.LifecycleRunner

	shutdownTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Provider bypasses Providers when set.
	Provider  stt.Provider
	Logger    *slog.Logger
	Observers []metrics.Observer
	Clock     transcription.Clock
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewComponentLogger(base, "engine")

	provider := opts.Provider
	if provider == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviders()
		}
		p, err := providers.BuildSTT(cfg.Transcription.Provider, cfg.Transcription.Settings)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	log.Info("callscribe_init",
		slog.String("stt_provider", provider.Name()),
		slog.Any("stt_settings", configutil.Mask(cfg.Transcription.Settings, "api_key", "auth_token")),
		slog.Int("chunk_interval_ms", cfg.Chunk.IntervalMS),
		slog.Int("poll_interval_ms", cfg.Transcription.PollIntervalMS),
		slog.Int("max_polls", cfg.Transcription.MaxPolls),
		slog.String("track", cfg.Media.Track),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII),
	)

	prom := observers.NewPrometheusObserver(cfg.Observability.Namespace)
	rate := cfg.Observability.LogSampleRate
	obsList := []metrics.Observer{
		metrics.NewSamplingObserver(observers.NewLoggerObserver(base), rate),
		prom,
		observers.NewLatencyObserver(base),
	}
	artifacts := strings.TrimSpace(cfg.Observability.ArtifactsDir)
	if artifacts != "" {
		obsList = append(obsList, observers.NewTimelineObserver(filepath.Join(artifacts, "timeline")))
	}
	var jsonl *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsJSONL); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("metrics jsonl dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		jsonl = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	obsList = append(obsList, opts.Observers...)
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 4096)

	ctx, cancel := context.WithCancel(context.Background())

	dispOpts := []transcription.Option{
		transcription.WithObserver(asyncObs),
		transcription.WithLogger(base),
	}
	if opts.Clock != nil {
		dispOpts = append(dispOpts, transcription.WithClock(opts.Clock))
	}
	dispatcher := transcription.NewDispatcher(provider, cfg.dispatcherConfig(), dispOpts...)

	hub := broadcast.NewHub(cfg.hubConfig(), broadcast.WithLogger(base), broadcast.WithObserver(asyncObs))

	deps := session.Deps{
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    asyncObs,
		Logger:     base,
	}
	if cfg.Observability.RecordAudio {
		rec, err := observers.NewAudioRecorder(filepath.Join(artifacts, "audio"))
		if err != nil {
			cancel()
			asyncObs.Close()
			if jsonl != nil {
				_ = jsonl.Close()
			}
			return nil, err
		}
		deps.Recorder = rec
	}
	registry := session.NewRegistry(ctx, cfg.sessionConfig(), deps)

	router := twiliotransport.New(cfg.routerConfig(), registry, hub,
		twiliotransport.WithLogger(base),
		twiliotransport.WithMetrics(asyncObs),
		twiliotransport.WithMetricsHandler(prom.Handler()),
	)

	shutdown := ms(cfg.Session.ShutdownTimeoutMS)
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}

	e := &Engine{
		cfg:             cfg,
		log:             log,
		provider:        provider,
		dispatcher:      dispatcher,
		hub:             hub,
		registry:        registry,
		router:          router,
		prom:            prom,
		multiObs:        multiObs,
		asyncObs:        asyncObs,
		jsonl:           jsonl,
		shutdownTimeout: shutdown,
		ctx:             ctx,
		cancel:          cancel,
	}

	hooks := runner.Hooks{
		OnStart: func() {
			attrs := []any{slog.String("message", "CallScribe Ready")}
			var rr transports.ReadyReporter = router
			for k, v := range rr.ReadyFields() {
				attrs = append(attrs, slog.Any(k, v))
			}
			log.Info("engine_ready", attrs...)
		},
		OnStop: func() {
			e.closeObservers()
			log.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int("active_calls", registry.Count()),
				slog.Int64("metrics_dropped", asyncObs.Dropped()))
		},
	}
	e.runner = runner.NewLifecycleRunner(e, hooks, shutdown+5*time.Second)
	return e, nil
}

// Start binds the server and runs until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.router.Start(e.ctx); err != nil {
		e.closeObservers()
		e.cancel()
		return err
	}
	if days := e.cfg.Observability.RetentionDays; days > 0 && e.cfg.Observability.ArtifactsDir != "" {
		dir := e.cfg.Observability.ArtifactsDir
		go observers.RunRetention(e.ctx, e.log, time.Duration(days)*24*time.Hour, time.Hour,
			filepath.Join(dir, "timeline"), filepath.Join(dir, "audio"))
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains the engine and waits for it to finish.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Drain stops accepting work, ends every session through its normal
// teardown and closes whatever connections remain.
func (e *Engine) Drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()
	defer e.cancel()

	var errs error
	if err := e.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("router shutdown: %w", err))
	}
	e.registry.SetDraining(true)
	active := e.registry.Count()
	e.registry.StopAll(frames.EndShutdown)
	if !e.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		errs = errors.Join(errs, fmt.Errorf("%d sessions still active after drain", e.registry.Count()))
	}
	closed := e.router.CloseConnections()
	e.hub.CloseAll()
	e.log.Info("engine_drained",
		slog.Int("sessions_stopped", active),
		slog.Int("connections_closed", closed),
		slog.Int("transcriptions_in_flight", e.dispatcher.InFlight()))
	return errs
}

func (e *Engine) closeObservers() {
	e.asyncObs.Close()
	if err := e.multiObs.Close(); err != nil {
		e.log.Warn("observer_close_failed", slog.String("error", err.Error()))
	}
	if e.jsonl != nil {
		_ = e.jsonl.Close()
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Hub() *broadcast.Hub { return e.hub }

func (e *Engine) Router() *twiliotransport.Router { return e.router }

func (e *Engine) Dispatcher() *transcription.Dispatcher { return e.dispatcher }

func (e *Engine) Prometheus() *observers.PrometheusObserver { return e.prom }

func (e *Engine) State() runner.State { return e.runner.State() }

// Handler exposes the full HTTP surface without binding a listener.
func (e *Engine) Handler() http.Handler { return e.router.Handler() }

// Dialer places outbound calls whose media streams back into this engine.
func (e *Engine) Dialer() transports.OutboundDialerWithOptions {
	return twiliotransport.NewDialer(e.cfg.routerConfig())
}

func (e *Engine) Health() error {
	if e.registry.Draining() {
		return errors.New("draining")
	}
	return nil
}
