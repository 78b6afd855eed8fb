// Package app wires all echojourney subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithLedgerStore,
// WithMetrics, WithTemplates). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echojourney/internal/bot"
	"github.com/MrWong99/echojourney/internal/config"
	"github.com/MrWong99/echojourney/internal/health"
	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/observe"
	"github.com/MrWong99/echojourney/internal/resilience"
	"github.com/MrWong99/echojourney/internal/review"
	"github.com/MrWong99/echojourney/internal/session"
	"github.com/MrWong99/echojourney/internal/syllable"
	"github.com/MrWong99/echojourney/internal/transport"
	"github.com/MrWong99/echojourney/pkg/provider/llm"
	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/provider/tts"
	"github.com/MrWong99/echojourney/pkg/types"
)

const (
	defaultListenAddr = ":8080"
	shutdownGrace     = 10 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM         llm.Provider
	LLMFallback llm.Provider
	STT         stt.Provider
	STTFallback stt.Provider
	TTS         tts.Provider
	Scorer      scorer.Provider
}

// App owns all subsystem lifetimes and serves the tutor over HTTP.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	templates  *bot.Templates
	store      ledger.Store
	storePing  func(context.Context) error
	ledger     *ledger.Ledger
	metrics    *observe.Metrics
	llm        *resilience.LLMFallback
	stt        *resilience.TranscriberFallback
	tts        *resilience.SynthesizerFallback
	reviewer   *review.Reviewer
	sessions   *session.Manager
	handler    http.Handler
	breakerCfg resilience.FallbackConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLedgerStore injects a ledger store instead of creating one from config.
func WithLedgerStore(s ledger.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTemplates injects bot templates instead of loading them from config.
func WithTemplates(t bot.Templates) Option {
	return func(a *App) { a.templates = &t }
}

// WithFallbackConfig sets the circuit breaker settings of every provider
// fallback group.
func WithFallbackConfig(cfg resilience.FallbackConfig) Option {
	return func(a *App) { a.breakerCfg = cfg }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: template loading, ledger
// connection and migration, provider fallback groups, the reviewer and the
// session manager.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil {
		return nil, errors.New("app: llm and stt providers are required")
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

	// ── 1. Bot templates ─────────────────────────────────────────────────
	if a.templates == nil {
		tpl, err := bot.LoadTemplates(cfg.Bots)
		if err != nil {
			return nil, fmt.Errorf("app: load templates: %w", err)
		}
		a.templates = &tpl
	}

	// ── 2. Ledger ────────────────────────────────────────────────────────
	if err := a.initLedger(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}

	// ── 3. Provider fallback groups ──────────────────────────────────────
	a.initProviders()

	// ── 4. Reviewer + session manager ────────────────────────────────────
	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLedger opens the configured ledger store or uses the injected one.
func (a *App) initLedger(ctx context.Context) error {
	if a.store != nil {
		a.storePing = func(context.Context) error { return nil }
		a.ledger = ledger.New(a.store)
		return nil
	}

	switch a.cfg.Ledger.Backend {
	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Ledger.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.store = store
		a.storePing = pool.Ping
		slog.Info("ledger ready", "backend", "postgres")

	case config.LedgerSQLite:
		store, err := ledger.OpenSQLite(ctx, a.cfg.Ledger.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.store = store
		a.storePing = store.Ping
		slog.Info("ledger ready", "backend", "sqlite", "path", a.cfg.Ledger.SQLitePath)

	default:
		dir := a.cfg.Ledger.Dir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
		a.store = ledger.NewFileStore(dir)
		a.storePing = func(context.Context) error {
			_, err := os.Stat(dir)
			return err
		}
		slog.Info("ledger ready", "backend", "file", "dir", dir)
	}

	a.ledger = ledger.New(a.store)
	return nil
}

// initProviders wraps every provider slot in a fallback group so a failing
// backend trips its own breaker and the configured backup takes over.
func (a *App) initProviders() {
	names := a.cfg.Providers
	p := a.providers

	a.llm = resilience.NewLLMFallback(p.LLM, nameOr(names.LLM.Name, "llm"), a.breakerCfg)
	if p.LLMFallback != nil {
		a.llm.AddFallback(nameOr(names.LLMFallback.Name, "llm_fallback"), p.LLMFallback)
	}

	// A transcript that cannot be decomposed is handed to the backup.
	a.stt = resilience.NewTranscriberFallback(p.STT, nameOr(names.STT.Name, "stt"), a.breakerCfg, syllable.Validate)
	if p.STTFallback != nil {
		a.stt.AddFallback(nameOr(names.STTFallback.Name, "stt_fallback"), p.STTFallback)
	}

	if p.TTS != nil {
		a.tts = resilience.NewSynthesizerFallback(p.TTS, nameOr(names.TTS.Name, "tts"), a.breakerCfg)
	}
}

// initSessions builds the reviewer and the session manager.
func (a *App) initSessions() error {
	rv, err := review.New(a.ledger, a.templates.History, a.templates.Title, a.llm)
	if err != nil {
		return err
	}
	a.reviewer = rv

	cfg := session.Config{
		Templates: *a.templates,
		LLM:       a.llm,
		STT:       a.stt,
		Scorer:    a.providers.Scorer,
		Ledger:    a.ledger,
		Reviewer:  rv,
		Metrics:   a.metrics,
		ProviderNames: session.ProviderNames{
			STT:    a.cfg.Providers.STT.Name,
			TTS:    a.cfg.Providers.TTS.Name,
			Scorer: a.cfg.Providers.Scorer.Name,
		},
	}
	if a.tts != nil {
		cfg.TTS = a.tts
	}
	applyTutor(&cfg, a.cfg.Tutor)

	m, err := session.NewManager(cfg)
	if err != nil {
		return err
	}
	a.sessions = m
	return nil
}

// applyTutor copies the hot-reloadable tutor settings into cfg.
func applyTutor(cfg *session.Config, t config.TutorConfig) {
	cfg.SuccessScore = t.SuccessScore
	cfg.Messages = t.Messages
	cfg.Differ = syllable.NewDiffer(t.InitialsMediaBase, t.FinalsMediaBase)
	cfg.Voice = types.Voice{ID: t.Voice.VoiceID, SpeedFactor: t.Voice.SpeedFactor}
}

// buildHandler mounts every endpoint on one mux wrapped in the metrics
// middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	transport.NewHandler(a.sessions,
		transport.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	).Register(mux)

	mux.HandleFunc("GET /titles", a.handleTitles)
	mux.HandleFunc("GET /mistakes", a.handleMistakes)

	checks := []health.Checker{
		{Name: "ledger", Check: a.storePing},
		{Name: "llm", Check: func(context.Context) error { return allOpen("llm", a.llm.States()) }},
		{Name: "stt", Check: func(context.Context) error { return allOpen("stt", a.stt.States()) }},
	}
	if a.tts != nil {
		checks = append(checks, health.Checker{
			Name:     "tts",
			Check:    func(context.Context) error { return allOpen("tts", a.tts.States()) },
			Optional: true,
		})
	}
	health.New(checks...).Register(mux)

	if a.cfg.Observe.MetricsEnabled() {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// allOpen fails when every backend of a fallback group has an open breaker.
func allOpen(kind string, states map[string]resilience.State) error {
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("every %s backend is unavailable", kind)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every endpoint.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of d. Sessions opened afterwards use
// the new tutor settings; open sessions keep theirs. Sections that need a
// restart are only logged.
func (a *App) Reload(d config.ConfigDiff) error {
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires a restart", "section", section)
	}
	if !d.TutorChanged {
		return nil
	}
	if err := a.sessions.Update(func(c *session.Config) { applyTutor(c, d.NewTutor) }); err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	a.cfg.Tutor = d.NewTutor
	slog.Info("tutor settings reloaded", "success_score", d.NewTutor.SuccessScore)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the server fails. Connections still open when ctx is done
// are given a short grace period.
func (a *App) Run(ctx context.Context) error {
	addr := nameOr(a.cfg.Server.ListenAddr, defaultListenAddr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every open session and then runs the closers. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.Sessions()), "closers", len(a.closers))
		a.sessions.CloseAll()

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

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
