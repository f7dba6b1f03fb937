// File: internal/server/server.go
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const serviceName = "usds-yield-tracker"

// Service is the tracker surface exposed over HTTP. *tracker.YieldTracker
// satisfies it.
type Service interface {
	IsRunning() bool
	GetStatus(ctx context.Context) (*models.TrackerStatus, error)
	TrackPayment(ctx context.Context, req *models.TrackPaymentRequest) (*models.TrackedPayment, error)
	GetYieldInfo(ctx context.Context, address string) (*models.YieldInfo, error)
	GetYieldHistory(ctx context.Context, address string, limit int) (*models.YieldHistory, error)
	GetPayments(ctx context.Context, address string) ([]*models.TrackedPayment, error)
	CalculateYieldBetween(ctx context.Context, address string, from, to int64) (*models.YieldBetween, error)
	GetAPYInfo(ctx context.Context) (*models.APYInfo, error)
	GetLatestRebase(ctx context.Context) (*models.RebaseEvent, error)
	GetRebaseEvents(ctx context.Context, from, to int64) ([]*models.RebaseEvent, error)
	EstimateFutureYield(ctx context.Context, balance string, days int) (*models.FutureYield, error)
	GetContractState(ctx context.Context) (*models.ContractState, error)
	GetPayment(ctx context.Context, id string) (*models.TrackedPayment, error)
	GetPaymentYield(ctx context.Context, id string) (*models.PaymentYield, error)
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         config.ServerConfig
	server         *http.Server
	router         *mux.Router
	handler        http.Handler
	service        Service
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	stopChan       chan struct{}
	now            func() time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, service Service, metricsManager *metrics.Manager) *HTTPServer {
	s := &HTTPServer{
		config:         *cfg,
		service:        service,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http_server"),
		stopChan:       make(chan struct{}),
		now:            time.Now,
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	// Yield
	api.HandleFunc("/yield/{address}", s.yieldInfoHandler).Methods(http.MethodGet)
	api.HandleFunc("/yield/{address}/history", s.yieldHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/yield/{address}/payments", s.paymentsHandler).Methods(http.MethodGet)
	api.HandleFunc("/yield/{address}/between", s.yieldBetweenHandler).Methods(http.MethodGet)
	api.HandleFunc("/apy", s.apyHandler).Methods(http.MethodGet)
	api.HandleFunc("/estimate", s.estimateHandler).Methods(http.MethodGet)

	// Rebases
	api.HandleFunc("/rebase/latest", s.latestRebaseHandler).Methods(http.MethodGet)
	api.HandleFunc("/rebase/history", s.rebaseHistoryHandler).Methods(http.MethodGet)

	// Payments
	api.HandleFunc("/track", s.trackHandler).Methods(http.MethodPost)
	api.HandleFunc("/payment/{id}", s.paymentHandler).Methods(http.MethodGet)
	api.HandleFunc("/payment/{id}/yield", s.paymentYieldHandler).Methods(http.MethodGet)

	api.HandleFunc("/contract/state", s.contractStateHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	// Preflight requests never match a route, so CORS wraps the router.
	s.handler = s.router
	if s.config.EnableCORS {
		s.handler = s.corsMiddleware(s.router)
	}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate bind errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) updateSystemMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	if s.service != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("tracker", s.service.IsRunning())
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// Stop gracefully shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
