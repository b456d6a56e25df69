package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/audit"
	"github.com/sentinelops/sentinel-ai/internal/collector"
	"github.com/sentinelops/sentinel-ai/internal/config"
	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/incident"
	"github.com/sentinelops/sentinel-ai/internal/loop"
	"github.com/sentinelops/sentinel-ai/internal/middleware"
	"github.com/sentinelops/sentinel-ai/internal/oracle"
	"github.com/sentinelops/sentinel-ai/internal/orchestrator"
	"github.com/sentinelops/sentinel-ai/internal/watchdog"
)

// eventRateLimit caps event deliveries per client per minute. Each
// accepted event runs a full investigation, so this stays conservative.
const eventRateLimit = 120

// EventHandler processes one incident event end to end.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *incident.Event) (*orchestrator.Outcome, error)
}

// Server wires the incident API, orchestrator, and watchdog together.
type Server struct {
	config *config.Config
	log    *zap.Logger

	// Core components
	store    db.Store
	audit    audit.Logger
	orch     EventHandler
	watchdog *watchdog.Watchdog
	hub      *Hub
	limiter  *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu       sync.RWMutex
	running  bool
	degraded bool
}

// NewServer creates a new sentinel-ai server.
func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	srv.hub = NewHub(log)
	srv.limiter = middleware.NewRateLimiter(eventRateLimit)

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents initializes all server components.
func (s *Server) initializeComponents() error {
	store, err := db.NewSQLiteStore(s.config.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open incident store: %w", err)
	}
	s.store = store

	auditCfg := audit.DefaultConfig()
	auditCfg.AuditLogPath = s.config.Logging.AuditLogPath
	auditCfg.AppLogPath = s.config.Logging.AppLogPath
	auditCfg.LogLevel = s.config.Logging.Level
	auditLog, err := audit.NewLogger(auditCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	s.audit = auditLog

	if s.config.Oracle.APIKey == "" {
		// Degraded mode: reads still work, event ingestion returns 503
		// until an API key is configured.
		s.degraded = true
		s.log.Warn("no oracle API key configured, starting in degraded mode")
	} else {
		oracleClient, err := oracle.NewClient(oracle.ClientConfig{
			APIKey:    s.config.Oracle.APIKey,
			Model:     s.config.Oracle.Model,
			BaseURL:   s.config.Oracle.BaseURL,
			MaxTokens: s.config.Oracle.MaxTokens,
			Timeout:   s.config.Oracle.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize oracle client: %w", err)
		}

		provider := collector.NewHTTPProvider(collector.HTTPProviderConfig{
			BaseURL:        s.config.Collector.BaseURL,
			APIKey:         s.config.Collector.APIKey,
			CallTimeout:    s.config.Collector.CallTimeout,
			ConnectTimeout: s.config.Collector.ConnectTimeout,
		})

		runner := loop.NewRunner(oracleClient, provider, loop.Config{
			StepLimit:      s.config.Loop.StepLimit,
			DeadlineBuffer: s.config.Loop.DeadlineBuffer,
			CostCeiling:    s.config.Loop.CostCeiling,
			EvidenceBudget: s.config.Loop.EvidenceBudget,
			MaxAttempts:    s.config.Loop.MaxAttempts,
			BackoffBase:    s.config.Loop.BackoffBase,
		}, s.log)
		runner.OnStep(s.hub.Broadcast)

		s.orch = orchestrator.New(store, runner, auditLog, orchestrator.Config{
			Owner:              s.config.Incident.Owner,
			StalenessThreshold: s.config.Incident.StalenessThreshold,
			RecordTTL:          s.config.Incident.RecordTTL,
		}, s.log)
	}

	if s.config.Watchdog.Enabled {
		s.watchdog = watchdog.New(store, auditLog, watchdog.Config{
			Interval:           s.config.Watchdog.Interval,
			StalenessThreshold: s.config.Incident.StalenessThreshold,
		}, s.log)
	}

	return nil
}

// Start starts the server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	if s.watchdog != nil {
		s.watchdog.Start()
	}

	// Event handling is synchronous, so the write timeout has to outlive
	// the longest allowed investigation.
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.config.Loop.InvocationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("starting HTTP server",
			zap.Int("port", s.config.Server.Port),
			zap.Bool("tls", s.config.Server.TLSEnabled),
			zap.Bool("degraded", s.degraded))

		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.audit != nil {
		_ = s.audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).WithResult(audit.ResultSuccess))
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.cancel()
	s.wg.Wait()

	if s.audit != nil {
		_ = s.audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
		_ = s.audit.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}

	s.log.Info("server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// routes builds the HTTP routing table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and readiness
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Incident API
	handleEvent := s.handleEvent
	if s.limiter != nil {
		handleEvent = s.limiter.Middleware(handleEvent)
	}
	mux.HandleFunc("/api/v1/events", handleEvent)
	mux.HandleFunc("/api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("/api/v1/incidents/", s.handleIncidentByID)

	// Investigation step stream
	mux.HandleFunc("/ws/incidents", s.handleStream)

	return mux
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles readiness check requests.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.store == nil || s.store.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"degraded":  s.degraded,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
