// Command echojourney serves the Mandarin pronunciation tutor.
//
//	echojourney -config /etc/echojourney/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/echojourney/internal/app"
	"github.com/MrWong99/echojourney/internal/config"
	"github.com/MrWong99/echojourney/internal/observe"
)

// version is stamped with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", config.DefaultWatchInterval, "config file poll interval, 0 disables hot reload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "echojourney: no config at %q; start from configs/example.yaml\n", *configPath)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "echojourney: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("starting", "version", version, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	providers, err := buildProviders(cfg, newRegistry())
	if err != nil {
		slog.Error("providers", "err", err)
		return 1
	}
	writeSummary(os.Stdout, cfg)

	tutor, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("init", "err", err)
		return 1
	}

	if *reloadEvery > 0 {
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) error {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			return tutor.Reload(d)
		}, config.WithInterval(*reloadEvery))
		if err != nil {
			slog.Error("config watcher", "err", err)
			return 1
		}
		go w.Run(ctx)
	}

	if err := tutor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("serve", "err", err)
		return 1
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := tutor.Shutdown(sctx); err != nil {
		slog.Error("shutdown", "err", err)
		return 1
	}
	return 0
}

// writeSummary prints the effective provider and ledger setup once at boot.
func writeSummary(out io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	p := cfg.Providers
	for _, row := range []struct {
		slot  string
		entry config.ProviderEntry
	}{
		{"llm", p.LLM},
		{"llm backup", p.LLMFallback},
		{"stt", p.STT},
		{"stt backup", p.STTFallback},
		{"tts", p.TTS},
		{"scorer", p.Scorer},
	} {
		switch {
		case row.entry.Name == "":
			fmt.Fprintf(tw, "%s\t-\n", row.slot)
		case row.entry.Model == "":
			fmt.Fprintf(tw, "%s\t%s\n", row.slot, row.entry.Name)
		default:
			fmt.Fprintf(tw, "%s\t%s (%s)\n", row.slot, row.entry.Name, row.entry.Model)
		}
	}
	ledger := cfg.Ledger.Backend
	if ledger == "" {
		ledger = config.LedgerFile
	}
	fmt.Fprintf(tw, "ledger\t%s\n", ledger)
	fmt.Fprintf(tw, "success score\t%d\n", cfg.Tutor.SuccessScore)
	fmt.Fprintf(tw, "listen\t%s\n", cfg.Server.ListenAddr)
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
