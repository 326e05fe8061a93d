// Package server orchestrates all components: bus handle, token provider, registry, dispatcher, trace store, HTTP gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/morezero/kiwibus/internal/config"
	"github.com/morezero/kiwibus/pkg/appcontext"
	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/bus/natsbus"
	"github.com/morezero/kiwibus/pkg/bus/wsbus"
	"github.com/morezero/kiwibus/pkg/db"
	"github.com/morezero/kiwibus/pkg/dispatcher"
	"github.com/morezero/kiwibus/pkg/registry"
	"github.com/morezero/kiwibus/pkg/token"
	"github.com/morezero/kiwibus/pkg/trace"
)

const logPrefix = "server:server"

// Server is the kiwibus daemon.
type Server struct {
	cfg        *config.Config
	disp       *dispatcher.Dispatcher
	reg        *registry.Registry
	pool       *pgxpool.Pool
	traces     traceLister
	gatherer   prometheus.Gatherer
	httpServer *http.Server
}

// ParseLogLevel maps LOG_LEVEL onto a slog level; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs the stdout text handler as the default logger.
func SetupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLogLevel(level)})))
}

// NewTokenProvider builds the token provider. ACCESS_TOKEN wins over the app
// context's oAuth.accessToken.
func NewTokenProvider(cfg *config.Config, appCtx *appcontext.Context) *token.Provider {
	initial := cfg.AccessToken
	if initial == "" && appCtx != nil {
		initial = appCtx.AccessToken()
	}
	return token.NewProvider(token.Options{Token: initial, RefreshURL: cfg.TokenRefreshURL})
}

// ReloadingReauth returns a re-auth hook that reloads the app context and
// installs its token, if any.
func ReloadingReauth(cfg *config.Config, tokens token.Source) dispatcher.ReauthFunc {
	return func(reason error) {
		slog.Warn(fmt.Sprintf("%s - Re-authentication required: %v", logPrefix, reason))
		fresh := appcontext.Load(cfg.AppContextFile).AccessToken()
		if fresh == "" {
			slog.Error(fmt.Sprintf("%s - No access token available after reloading the app context", logPrefix))
			return
		}
		tokens.Set(fresh)
		slog.Info(fmt.Sprintf("%s - Access token reloaded from the app context", logPrefix))
	}
}

// OpenHandle creates the bus handle for the configured transport. When
// auto-connect is off the handle is connected explicitly.
func OpenHandle(ctx context.Context, cfg *config.Config) (bus.Handle, error) {
	opts := cfg.BusOptions()
	switch cfg.Transport {
	case config.TransportWebSocket:
		h, err := wsbus.New(opts, wsbus.Params{})
		if err != nil {
			return nil, err
		}
		if !opts.AutoConnect {
			if err := h.Connect(ctx); err != nil && !opts.Reconnect {
				return nil, err
			}
		}
		return h, nil
	case config.TransportNATS:
		h, err := natsbus.New(opts)
		if err != nil {
			return nil, err
		}
		if !opts.AutoConnect {
			if err := h.Connect(ctx); err != nil {
				return nil, err
			}
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%s - unknown transport %q", logPrefix, cfg.Transport)
	}
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting kiwibus", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg, reg: registry.New()}
	if cfg.Debug {
		s.reg.EnableDebug()
	}

	// Step 1: Application context and access token
	appCtx := appcontext.Load(cfg.AppContextFile)
	tokens := NewTokenProvider(cfg, appCtx)
	if tokens.Get() == "" {
		slog.Warn(fmt.Sprintf("%s - No access token configured; messages will carry an empty token", logPrefix))
	}

	// Step 2: Optional trace store
	var sink trace.Sink = trace.NewLogSink(nil)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrations, err := db.LoadTraceMigrations(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}

		repo := db.NewTraceRepository(pool)
		s.traces = repo
		if cfg.UseTraceStore() {
			sink = trace.MultiSink{trace.NewStoreSink(repo), sink}
			slog.Info(fmt.Sprintf("%s - Mirroring bus traffic to the trace store", logPrefix))
		}
	}

	// Step 3: Metrics and dispatcher
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.gatherer = promReg

	s.disp = dispatcher.New(dispatcher.Params{
		Tokens:   tokens,
		Registry: s.reg,
		Reauth:   ReloadingReauth(cfg, tokens),
		Sink:     sink,
		Metrics:  dispatcher.NewMetrics(promReg),
	})

	// Step 4: Bus handle
	handle, err := OpenHandle(ctx, cfg)
	if err != nil {
		s.closePool()
		return fmt.Errorf("%s - failed to open bus %s: %w", logPrefix, cfg.BusID, err)
	}
	s.reg.Add(handle)
	slog.Info(fmt.Sprintf("%s - Bus %s (%s) at %s is %s", logPrefix, handle.ID(), cfg.Transport, cfg.BusURL, handle.ReadyState()))

	// Step 5: HTTP gateway
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - kiwibus is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	s.httpServer.Shutdown(ctx)
	if err := s.reg.CloseAll(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Errors while closing buses: %v", logPrefix, err))
	}
	s.reg.RemoveAll()
	s.closePool()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) closePool() {
	if s.pool != nil {
		s.pool.Close()
	}
}
