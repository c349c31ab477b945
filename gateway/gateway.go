// Gateway module - HTTP execution facility
// Serves the shell endpoints the voice bridge calls for every tool invocation

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gliderlab/voxbridge/pkg/config"
	"github.com/gliderlab/voxbridge/pkg/kv"
	"github.com/gliderlab/voxbridge/pkg/metrics"
	"github.com/gliderlab/voxbridge/processtool"
	"github.com/gliderlab/voxbridge/storage"
)

// writeJSON writes a JSON response with proper Content-Type header
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Gateway runs commands on behalf of bridge clients
type Gateway struct {
	cfg      config.GatewayConfig
	executor *processtool.Executor
	store    *storage.Storage // optional: run history and rate limits
	cache    *kv.KV           // optional: call-id result cache
	logger   zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// Option configures optional gateway dependencies
type Option func(*Gateway)

// WithStorage enables run history and rate limiting
func WithStorage(s *storage.Storage) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithCache enables replay of results for repeated call ids
func WithCache(c *kv.KV) Option {
	return func(g *Gateway) {
		g.cache = c
	}
}

func New(cfg config.GatewayConfig, executor *processtool.Executor, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		executor: executor,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Config() config.GatewayConfig {
	return g.cfg
}

// Handler builds the router
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get("/health", g.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(api chi.Router) {
		api.Use(g.requireAuth)
		api.Use(g.rateLimit)

		api.Route("/tools", func(r chi.Router) {
			r.Post("/shell", g.handleShell)
			r.Post("/shell/stream", g.handleShellStream)
			r.Get("/runs", g.handleRuns)
		})
		api.Post("/log", g.handleLog)
	})
	return r
}

// Start listens on the configured address until ctx is done, then shuts
// down gracefully
func (g *Gateway) Start(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Host, fmt.Sprint(g.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	metrics.RegisterMetrics()
	if g.cfg.AuthToken == "" {
		g.logger.Warn().Msg("no auth token configured, shell endpoints are open to anyone who can reach " + ln.Addr().String())
	}

	srv := &http.Server{
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	g.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		g.Stop()
		<-errCh
		return nil
	}
}

func (g *Gateway) Stop() {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = srv.Close()
	}
}

// WatchConfig hot-reloads executor limits from path until ctx is done. load
// builds the effective config for path; nil means config.LoadFile.
func (g *Gateway) WatchConfig(ctx context.Context, path string, load func(string) (*config.ServerConfig, error)) error {
	w := &config.Watcher{
		Path:     path,
		Debounce: g.cfg.ReloadDebounce,
		Load:     load,
		Logger:   g.logger,
		OnChange: func(cfg *config.ServerConfig) {
			if err := g.executor.SetConfig(cfg.Exec); err != nil {
				g.logger.Error().Err(err).Msg("rejected executor config")
				return
			}
			g.logger.Info().
				Dur("default_timeout", cfg.Exec.DefaultTimeout).
				Int("max_output_bytes", cfg.Exec.MaxOutputBytes).
				Int("allowlist", len(cfg.Exec.Allowlist)).
				Msg("executor limits updated")
		},
	}
	return w.Run(ctx)
}

// PruneLoop drops run history older than maxAge once per interval
func (g *Gateway) PruneLoop(ctx context.Context, maxAge, interval time.Duration) {
	if g.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.PruneRuns(maxAge)
			if err != nil {
				g.logger.Warn().Err(err).Msg("prune runs failed")
				continue
			}
			if n > 0 {
				g.logger.Debug().Int64("removed", n).Msg("pruned run history")
			}
			if g.cache != nil {
				_ = g.cache.RunGC()
			}
		}
	}
}
