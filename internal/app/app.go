// Package app wires the agrivoice subsystems into a running service.
//
// New builds the tiered store, the offline queue with its sink and
// dispatcher, the connectivity monitor, the voice manager and the HTTP
// control API. Run serves until the context ends; Shutdown releases
// everything in order.
//
// Tests inject doubles through the With* options. Anything not injected is
// built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/connectivity"
	"github.com/MrWong99/agrivoice/internal/health"
	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/internal/offline"
	"github.com/MrWong99/agrivoice/internal/resilience"
	"github.com/MrWong99/agrivoice/internal/storage"
	"github.com/MrWong99/agrivoice/internal/storage/postgres"
	"github.com/MrWong99/agrivoice/internal/storage/sqlite"
	"github.com/MrWong99/agrivoice/internal/voice"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

// Engines holds the external voice engines resolved by main.go. Zero values
// mean "not available".
type Engines struct {
	Recognition voice.Capability
	Synthesis   tts.Engine
	Microphone  audio.Microphone
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	engines Engines
	metrics *observe.Metrics

	primary  storage.Tier
	fallback storage.SyncTier
	sink     offline.Sink
	probe    connectivity.Probe

	store      *storage.Store
	queue      *offline.Queue
	dispatcher *offline.Dispatcher
	monitor    *connectivity.Monitor
	voice      *voice.Manager
	health     *health.Handler
	handler    http.Handler

	// drainMu keeps connectivity-triggered and manual drains from
	// overlapping.
	drainMu sync.Mutex

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPrimaryTier injects the primary storage tier instead of connecting
// to PostgreSQL.
func WithPrimaryTier(t storage.Tier) Option {
	return func(a *App) { a.primary = t }
}

// WithFallbackTier injects the fallback storage tier instead of opening
// the SQLite file.
func WithFallbackTier(t storage.SyncTier) Option {
	return func(a *App) { a.fallback = t }
}

// WithSink injects the queue sink.
func WithSink(s offline.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithProbe injects the connectivity probe.
func WithProbe(p connectivity.Probe) Option {
	return func(a *App) { a.probe = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg and the resolved engines.
func New(ctx context.Context, cfg *config.Config, engines Engines, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, engines: engines}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStorage(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initQueue(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init queue: %w", err)
	}
	a.initConnectivity()
	a.initVoice()
	a.initHealth()
	a.handler = observe.Middleware(a.metrics)(a.routes())

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	sc := a.cfg.Storage

	if a.primary == nil {
		if sc.PostgresDSN != "" {
			pool, err := postgres.Open(ctx, sc.PostgresDSN)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			tier := postgres.New(pool)
			if err := tier.Migrate(ctx); err != nil {
				return err
			}
			a.primary = tier
			slog.Info("storage: primary tier is postgres")
		} else {
			a.primary = storage.NewMemory()
			slog.Info("storage: primary tier is in-process")
		}
	}

	if a.fallback == nil && sc.SQLitePath != "" {
		tier, err := sqlite.Open(sc.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, tier.Close)
		a.fallback = tier
		slog.Info("storage: fallback tier is sqlite", "path", sc.SQLitePath)
	}

	a.store = storage.New(a.primary, a.fallback,
		storage.WithPrefix(sc.Prefix),
		storage.WithMetrics(a.metrics),
		storage.WithBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  sc.Breaker.MaxFailures,
			ResetTimeout: sc.Breaker.ResetTimeout,
		}),
	)
	return nil
}

func (a *App) initQueue() error {
	qc := a.cfg.Queue
	policy, err := offline.ParsePolicy(qc.Policy)
	if err != nil {
		return err
	}

	if a.sink == nil {
		if qc.Sink.Endpoint != "" {
			opts := []offline.HTTPOption{
				offline.WithHTTPClient(&http.Client{Timeout: qc.Sink.Timeout}),
			}
			for k, v := range qc.Sink.Headers {
				opts = append(opts, offline.WithHeader(k, v))
			}
			sink, err := offline.NewHTTPSink(qc.Sink.Endpoint, opts...)
			if err != nil {
				return err
			}
			a.sink = sink
		} else {
			slog.Warn("queue.sink.endpoint is empty; drained actions are only logged")
			a.sink = offline.LogSink{}
		}
	}

	a.queue = offline.New(a.store, a.sink,
		offline.WithKey(qc.Key),
		offline.WithPolicy(policy),
		offline.WithMetrics(a.metrics),
	)
	return nil
}

// alwaysOnline is used when no probe is configured.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func (a *App) initConnectivity() {
	if a.probe == nil && a.cfg.Connectivity.ProbeURL != "" {
		// Validated by config; the error is unreachable here.
		a.probe, _ = connectivity.NewHTTPProbe(a.cfg.Connectivity.ProbeURL, nil)
	}
	if a.probe == nil {
		slog.Info("connectivity: no probe configured; treating the farm api as reachable")
		a.dispatcher = offline.NewDispatcher(a.queue, alwaysOnline{})
		return
	}

	a.monitor = connectivity.New(a.probe,
		connectivity.WithInterval(a.cfg.Connectivity.Interval),
		connectivity.WithMetrics(a.metrics),
	)
	a.monitor.Subscribe(func(ctx context.Context, ev connectivity.Event) {
		if ev != connectivity.Reachable {
			return
		}
		if _, err := a.Drain(ctx); err != nil {
			slog.Warn("app: drain after reconnect failed", "err", err)
		}
	})
	a.dispatcher = offline.NewDispatcher(a.queue, a.monitor)
}

func (a *App) initVoice() {
	a.voice = voice.New(
		voice.WithRecognition(a.engines.Recognition),
		voice.WithSynthesis(a.engines.Synthesis),
		voice.WithMicrophone(a.engines.Microphone),
		voice.WithSettings(a.cfg.VoiceSettings()),
		voice.WithMetrics(a.metrics),
	)
}

func (a *App) initHealth() {
	checks := []health.Checker{
		{Name: "storage", Check: a.store.Ping},
		{Name: "primary_storage", Check: a.store.PingPrimary, Optional: true},
	}
	if a.monitor != nil {
		checks = append(checks, health.Checker{
			Name:     "farm_api",
			Optional: true,
			Check: func(context.Context) error {
				if !a.monitor.Online() {
					return errors.New("unreachable")
				}
				return nil
			},
		})
	}
	a.health = health.New(checks...)
}

// Handler returns the HTTP control API.
func (a *App) Handler() http.Handler { return a.handler }

// Voice returns the voice manager.
func (a *App) Voice() *voice.Manager { return a.voice }

// Store returns the tiered store.
func (a *App) Store() *storage.Store { return a.store }

// Queue returns the offline queue.
func (a *App) Queue() *offline.Queue { return a.queue }

// Drain replays the offline queue. Concurrent calls run one after another.
func (a *App) Drain(ctx context.Context) (offline.DrainReport, error) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()
	return a.queue.Drain(ctx)
}

// ApplyConfig applies the hot-reloadable parts of a config change.
func (a *App) ApplyConfig(r config.Reload) {
	d := r.Diff
	if d.VoiceChanged {
		s := r.New.VoiceSettings()
		if _, err := a.voice.UpdateSettings(voice.SettingsOverride{
			Language: &s.Language,
			Rate:     &s.Rate,
			Pitch:    &s.Pitch,
			Volume:   &s.Volume,
		}); err != nil {
			slog.Warn("app: voice settings from reloaded config rejected", "err", err)
		} else {
			slog.Info("app: voice settings reloaded", "language", s.Language, "rate", s.Rate)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// Run serves the HTTP API and polls connectivity until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: http api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		// In-flight listen and speak requests end with ErrCancelled.
		a.voice.Stop()
		return srv.Shutdown(shutdownCtx)
	})
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(gctx) })
	}
	return g.Wait()
}

// Shutdown releases capture, output and storage handles. It respects the
// context deadline: remaining closers are skipped once ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.voice.Stop()

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

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
