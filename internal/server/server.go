// Package server assembles the registry service: storage, marketplace
// service, sweeper, realtime hub, and the HTTP surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/thisissamridh/mesh/internal/config"
	"github.com/thisissamridh/mesh/internal/health"
	"github.com/thisissamridh/mesh/internal/idgen"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/metrics"
	"github.com/thisissamridh/mesh/internal/realtime"
	"github.com/thisissamridh/mesh/internal/traces"
)

// Server wraps the registry HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	store   market.Store
	service *market.Service
	sweeper *market.Sweeper
	hub     *realtime.Hub
	checks  *health.Registry
	db      *sql.DB // nil when using the in-memory store
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRun context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets a custom marketplace store (for testing).
func WithStore(store market.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a registry server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.ForService(cfg.LogLevel, "json", "registry"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			s.db = db
			s.store = market.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = market.NewMemoryStore()
			s.logger.Info("using in-memory storage")
		}
	}

	s.hub = realtime.NewHub(s.logger)
	s.service = market.NewService(s.store, s.logger).WithEvents(s.hub)
	s.sweeper = market.NewSweeper(s.service, s.logger)

	// Reputation lives in memory; rebuild it from persisted ratings so a
	// restarted registry keeps reporting the true running means.
	if err := s.service.RehydrateReputation(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to rehydrate reputation: %w", err)
	}

	s.checks = health.NewRegistry()
	s.checks.Register("store", func(ctx context.Context) health.Status {
		if _, err := s.store.GetStats(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.buildRouter()
	return s, nil
}

// buildRouter assembles the gin engine with the shared middleware stack.
func (s *Server) buildRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestContext())
	r.Use(metrics.Middleware())

	// Operational surface
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", s.hub.ServeWS)

	// Marketplace API
	api := r.Group("/")
	market.NewHandler(s.service).RegisterRoutes(api)

	s.router = r
}

// requestContext injects a request ID and the service logger into each
// request's context.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	s.healthy.Store(healthy)

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "subsystems": statuses})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Router exposes the gin engine (used by handler tests).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	defer cancel()

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, "mesh-registry", s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				s.logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	go s.hub.Run()
	go s.sweeper.Start(runCtx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("registry listening", "port", s.cfg.Port)
		s.ready.Store(true)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	s.ready.Store(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}

	return nil
}

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
