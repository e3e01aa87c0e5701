package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server wires the dispatcher and relay to HTTP. It holds no per-request
// state; every field is set once in NewServer.
type Server struct {
	cfg        *Config
	creds      *CredentialSet
	dispatcher *Dispatcher
	relay      *Relay
	stats      *Stats
	mirror     *RedisMirror
	limiter    *rate.Limiter
	log        *zap.Logger
}

// Deps are the collaborators a Server is built from. Nil HTTP clients fall
// back to the production defaults.
type Deps struct {
	Credentials    *CredentialSet
	UpstreamClient *http.Client
	RelayClient    *http.Client
	Mirror         *RedisMirror
	Logger         *zap.Logger
}

func NewServer(cfg *Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	relayClient := deps.RelayClient
	if relayClient == nil {
		relayClient = newRelayHTTPClient(cfg.Relay)
	}

	stats := NewStats(deps.Mirror)
	upstream := NewUpstreamClient(deps.UpstreamClient, cfg.Upstream)
	return &Server{
		cfg:        cfg,
		creds:      deps.Credentials,
		dispatcher: NewDispatcher(deps.Credentials, upstream, cfg.Upstream.AttemptTimeout, stats, log),
		relay:      NewRelay(relayClient, cfg.Relay, stats, log),
		stats:      stats,
		mirror:     deps.Mirror,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		log:        log.Named("http"),
	}
}

func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/download", rateLimitMiddleware(srv.limiter, http.HandlerFunc(srv.handleExtract)))
	mux.Handle("/api/proxy-download", rateLimitMiddleware(srv.limiter, http.HandlerFunc(srv.handleProxyDownload)))
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)

	var h http.Handler = mux
	h = recoverMiddleware(srv.log, h)
	h = corsMiddleware(h)
	h = accessLogMiddleware(srv.log, h)
	h = requestIDMiddleware(h)
	return h
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the configured shutdown timeout.
func (srv *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              srv.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: srv.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("🚀 server listening",
			zap.String("addr", srv.cfg.Server.Addr),
			zap.Int("credentials", srv.creds.Len()),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listening on %s: %w", srv.cfg.Server.Addr, err)
	case <-ctx.Done():
	}

	srv.log.Info("🛑 graceful shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	srv.log.Info("✅ graceful shutdown completed")
	return nil
}
