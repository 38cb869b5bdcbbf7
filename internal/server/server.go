// Package server orchestrates the gateway's main HTTP server and admin
// server. The main server carries OData traffic through the pipeline while
// the admin server exposes health checks, readiness probes, and Prometheus
// metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/s4kit/gateway/internal/cache"
	"github.com/s4kit/gateway/internal/catalog"
	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/middleware"
	"github.com/s4kit/gateway/internal/observability"
	iredis "github.com/s4kit/gateway/internal/redis"
)

// Server is the main gateway server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	pipeline        *middleware.Pipeline
	cacheStore      cache.Store
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a gateway server instance. store is the live catalog view,
// hot-reloaded by the catalog watcher outside this package.
func New(cfg *config.Config, store *catalog.SwappableStore, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	cacheStore, err := buildCacheStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	health.SetCachePinger(cacheStore)

	pipeline, err := middleware.NewPipeline(cfg, store, cacheStore, logger, metrics)
	if err != nil {
		_ = cacheStore.Close()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	mainServer, h3srv := buildMainServer(cfg, pipeline, logger)
	adminServer := buildAdminServer(cfg, health, reg)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		pipeline:    pipeline,
		cacheStore:  cacheStore,
		health:      health,
		metrics:     metrics,
	}, nil
}

// buildCacheStore connects Redis and wraps it in the cache store. When the
// failure policy tolerates a missing cache backend, an unreachable Redis
// at startup degrades instead of failing: the client is created without
// the connectivity check and reconnects on its own.
func buildCacheStore(cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	client, err := iredis.NewClient(cfg.Redis)
	if err == nil {
		return cache.NewRedisStore(client), nil
	}

	if cfg.RateLimit.FailurePolicy == config.FailurePolicyFailClosed {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Warn("redis unavailable at startup, starting degraded",
		"error", err, "policy", string(cfg.RateLimit.FailurePolicy))
	client, err = iredis.NewClientDeferred(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis configuration invalid: %w", err)
	}
	return cache.NewRedisStore(client), nil
}

func buildMainServer(cfg *config.Config, pipeline *middleware.Pipeline, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 120*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(pipeline, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        pipeline,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB cap on request headers.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("s4gateway is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// ReloadCerts reloads TLS certificates from disk without a restart.
func (s *Server) ReloadCerts() error {
	if s.certs == nil {
		return nil
	}
	if err := s.certs.Reload(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile); err != nil {
		return err
	}
	s.logger.Info("TLS certificates reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.pipeline.Close(); err != nil {
		s.logger.Error("pipeline close error", "error", err)
	}

	if err := s.cacheStore.Close(); err != nil {
		s.logger.Error("cache store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
