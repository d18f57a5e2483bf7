// Command agrivoice is the main entry point for the farm voice assistant
// service.
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

	"github.com/MrWong99/agrivoice/internal/app"
	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/internal/voice"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/provider/stt"
	"github.com/MrWong99/agrivoice/pkg/provider/stt/deepgram"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
	"github.com/MrWong99/agrivoice/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voice settings and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agrivoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agrivoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("agrivoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "agrivoice",
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engines ───────────────────────────────────────────────────────────────
	mic := audio.NewFFmpegMicrophone(
		audio.WithCommand(cfg.Voice.Microphone.Command),
		audio.WithInput(cfg.Voice.Microphone.InputFormat, cfg.Voice.Microphone.Device),
	)
	player := audio.NewFFplayPlayer(cfg.Voice.Playback.Command)

	reg := config.NewRegistry()
	registerBuiltinEngines(reg, mic, player)

	engines := app.Engines{
		Recognition: detectRecognition(ctx, cfg, reg),
		Synthesis:   buildSynthesis(cfg, reg),
		Microphone:  mic,
	}

	printStartupSummary(cfg, engines)

	application, err := app.New(ctx, cfg, engines)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(r config.Reload) {
			if r.Diff.LogLevelChanged {
				level.Set(slogLevel(r.Diff.NewLogLevel))
				slog.Info("log level changed", "level", r.Diff.NewLogLevel)
			}
			application.ApplyConfig(r)
		}, config.WithRejectFunc(func(err error) {
			slog.Error("config edit rejected, previous config stays active", "path", *configPath, "err", err)
		}))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("config watcher stopped", "err", err)
				}
			}()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires the engines that ship with agrivoice into reg.
func registerBuiltinEngines(reg *config.Registry, mic audio.Microphone, player audio.Player) {
	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, mic, opts...)
	})

	reg.RegisterSynthesizer("elevenlabs", func(entry config.ProviderEntry) (tts.Engine, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, optString(entry.Options, "voice_id"), player, opts...)
	})

	for _, name := range reg.Recognizers() {
		slog.Debug("registered engine", "kind", "recognition", "name", name)
	}
}

// detectRecognition probes the configured recognition variants in order.
func detectRecognition(ctx context.Context, cfg *config.Config, reg *config.Registry) voice.Capability {
	variants := make([]voice.Variant, 0, len(cfg.Recognition.Variants))
	for _, entry := range cfg.Recognition.Variants {
		variants = append(variants, voice.Variant{
			Name: entry.Name,
			Probe: func(context.Context) (stt.Recognizer, error) {
				return reg.CreateRecognizer(entry)
			},
		})
	}
	return voice.Detect(ctx, variants...)
}

// buildSynthesis returns the configured synthesis engine, or nil when none
// is configured or it cannot be built.
func buildSynthesis(cfg *config.Config, reg *config.Registry) tts.Engine {
	name := cfg.Synthesis.Name
	if name == "" {
		return nil
	}
	e, err := reg.CreateSynthesizer(cfg.Synthesis)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("synthesis engine not registered, speech output disabled", "name", name)
		return nil
	}
	if err != nil {
		slog.Warn("synthesis engine unavailable, speech output disabled", "name", name, "err", err)
		return nil
	}
	slog.Info("engine created", "kind", "synthesis", "name", name)
	return e
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, e app.Engines) {
	recognition := "(unavailable)"
	if e.Recognition.Available() {
		recognition = e.Recognition.Name()
	}
	synthesis := "(unavailable)"
	if e.Synthesis != nil {
		synthesis = cfg.Synthesis.Name
	}
	primary := "memory"
	if cfg.Storage.PostgresDSN != "" {
		primary = "postgres"
	}
	fallback := "(none)"
	if cfg.Storage.SQLitePath != "" {
		fallback = "sqlite"
	}
	sink := "(log only)"
	if cfg.Queue.Sink.Endpoint != "" {
		sink = "http"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       agrivoice startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Recognition", recognition)
	printRow("Synthesis", synthesis)
	printRow("Language", cfg.Voice.Language)
	printRow("Primary store", primary)
	printRow("Fallback store", fallback)
	printRow("Queue sink", sink)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
