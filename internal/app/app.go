// Package app wires the meetscribe subsystems into a running server: the
// session manager, the bot gateway client, persistence, the live mirror, and
// the HTTP API.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithBotClient, WithRecognizer). When an option is not provided, New creates
// real implementations from the config.
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

	"github.com/professor2004h/meetscribe/internal/bot"
	"github.com/professor2004h/meetscribe/internal/bot/meetbot"
	"github.com/professor2004h/meetscribe/internal/capture"
	"github.com/professor2004h/meetscribe/internal/config"
	"github.com/professor2004h/meetscribe/internal/health"
	"github.com/professor2004h/meetscribe/internal/mirror"
	"github.com/professor2004h/meetscribe/internal/observe"
	"github.com/professor2004h/meetscribe/pkg/store"
	"github.com/professor2004h/meetscribe/pkg/store/memstore"
	"github.com/professor2004h/meetscribe/pkg/store/postgres"
)

// shutdownTimeout is the deadline for draining in-flight HTTP requests.
const shutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	store      store.SessionStore
	client     bot.Client
	recognizer capture.Recognizer
	metrics    *observe.Metrics
	hub        *mirror.Hub
	manager    *SessionManager
	srv        *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithBotClient injects a bot gateway client instead of creating one from
// config.
func WithBotClient(c bot.Client) Option {
	return func(a *App) { a.client = c }
}

// WithRecognizer enables server-side local capture with the given recognizer.
func WithRecognizer(r capture.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initBotClient(); err != nil {
		return nil, fmt.Errorf("app: init bot client: %w", err)
	}

	a.hub = mirror.NewHub()
	a.manager = NewSessionManager(SessionManagerConfig{
		Store:      a.store,
		Client:     a.client,
		Hub:        a.hub,
		Metrics:    a.metrics,
		Tunables:   tunablesFromConfig(cfg.Status),
		Recognizer: a.recognizer,
	})

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStore creates the session store from config unless one was injected:
// PostgreSQL when a DSN is configured, in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("no database configured, sessions are lost on restart")
		a.store = memstore.New()
		return nil
	}

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initBotClient creates the meetbot gateway client unless one was injected.
// Without a gateway URL, online recording is disabled.
func (a *App) initBotClient() error {
	if a.client != nil {
		return nil
	}
	if a.cfg.Bot.GatewayURL == "" {
		slog.Warn("no bot gateway configured, online recording disabled")
		return nil
	}

	c, err := meetbot.New(a.cfg.Bot.GatewayURL, a.cfg.Bot.APIKey)
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

// buildHandler assembles the HTTP routing tree: API routes, health probes,
// metrics, all behind the tracing/metrics middleware.
func (a *App) buildHandler() http.Handler {
	checkers := make([]health.Checker, 0, 2)
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.Database(p))
	}
	if a.cfg.Bot.GatewayURL != "" {
		checkers = append(checkers, health.BotGateway(a.cfg.Bot.GatewayURL, nil))
	}

	mux := http.NewServeMux()
	api := NewAPI(a.manager, a.hub, health.New(checkers...))
	api.Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// Manager exposes the session manager, mainly for tests.
func (a *App) Manager() *SessionManager { return a.manager }

// Run serves HTTP until ctx is cancelled, then drains connections and tears
// the subsystems down. The error is nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening with TLS", "addr", a.srv.Addr)
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.srv.Addr)
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown tears down all subsystems: running sessions are checkpointed (not
// completed, so a restart reconnects them), then closers run in order. Safe
// to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.manager.Close()

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

// tunablesFromConfig maps the status config block onto the bot package's
// timing knobs. Zero values keep the bot package defaults.
func tunablesFromConfig(sc config.StatusConfig) bot.Tunables {
	return bot.Tunables{
		PushBackoff:        sc.PushBackoff,
		PushMaxBackoff:     sc.PushMaxBackoff,
		PushMaxRetries:     sc.PushMaxRetries,
		PollMaxBackoff:     sc.PollMaxBackoff,
		StalenessThreshold: sc.StalenessThreshold,
	}
}
