package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/config"
	"probooking/internal/domain"
	"probooking/internal/export"
	"probooking/internal/metrics"
	"probooking/internal/models"
	"probooking/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const (
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// Services are the collaborators behind the HTTP API.
type Services struct {
	Bookings *service.BookingService
	Settings *service.SettingsService
	Disputes *service.DisputeService
	Refunds  *service.RefundService
	Exporter *export.AuditExporter
	// Requests backs Idempotency-Key replay and the booking quota; nil disables both.
	Requests domain.IdempotencyStore
	// Ready reports whether dependencies are reachable for /readyz.
	Ready   func(ctx context.Context) error
	Metrics http.Handler
}

// HTTPServer exposes the booking engine over JSON/HTTP.
type HTTPServer struct {
	cfg      *config.APIConfig
	svc      Services
	router   *httprouter.Router
	server   *http.Server
	auth     *HTTPAuth
	validate *validator.Validate
	logger   *zerolog.Logger
}

// actorHandler is a route handler that runs with a resolved caller.
type actorHandler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, actor models.Actor)

func NewHTTPServer(cfg *config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http").Logger()

	srv := &HTTPServer{
		cfg:      cfg,
		svc:      svc,
		router:   httprouter.New(),
		auth:     NewHTTPAuth(cfg),
		validate: newValidator(),
		logger:   &l,
	}
	srv.routes()

	handler := srv.recoveryMiddleware(srv.loggingMiddleware(srv.auth.Wrap(srv.router)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

func (s *HTTPServer) routes() {
	r := s.router
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	if s.svc.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.svc.Metrics)
	}

	s.handle(http.MethodGet, "/api/v1/pros/:proID/availability", permReadAvailability, s.handleAvailability)
	s.handle(http.MethodGet, "/api/v1/pros/:proID/settings", permReadBookings, s.handleGetSettings)
	s.handle(http.MethodPut, "/api/v1/pros/:proID/settings", permWriteSettings, s.handleUpdateSettings)
	s.handle(http.MethodGet, "/api/v1/pros/:proID/bookings", permReadBookings, s.handleListProBookings)

	s.handle(http.MethodPost, "/api/v1/bookings", permWriteBookings, s.handleCreateBooking)
	s.handle(http.MethodGet, "/api/v1/bookings/:id", permReadBookings, s.handleGetBooking)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/transition", permWriteBookings, s.handleTransition)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/payment", permWritePayments, s.handleConfirmPayment)

	s.handle(http.MethodGet, "/api/v1/bookings/:id/dispute", permReadBookings, s.handleGetDispute)
	s.handle(http.MethodGet, "/api/v1/bookings/:id/dispute/logs", permReadBookings, s.handleDisputeLogs)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/dispute/open", permWriteDisputes, s.handleOpenDispute)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/dispute/respond", permWriteDisputes, s.handleRespondDispute)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/dispute/escalate", permWriteDisputes, s.handleEscalateDispute)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/dispute/resolve", permWriteDisputes, s.handleResolveDispute)

	s.handle(http.MethodPost, "/api/v1/bookings/:id/refund/request", permWriteRefunds, s.handleRequestRefund)
	s.handle(http.MethodPost, "/api/v1/bookings/:id/refund/process", permWriteRefunds, s.handleProcessRefund)

	s.handle(http.MethodGet, "/api/v1/admin/disputes/export", permAdminExport, s.handleExportDisputes)
}

// handle registers an API route: scope check, caller identity, idempotent
// replay for writes and per-route metrics.
func (s *HTTPServer) handle(method, path, permission string, h actorHandler) {
	s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.ObserveHTTP(method+" "+path, rec.status, time.Since(start))
		}()

		if err := s.auth.permit(r, permission); err != nil {
			writeError(rec, http.StatusForbidden, err.Error())
			return
		}
		actor, err := s.auth.actor(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errPermissionDenied) {
				status = http.StatusForbidden
			}
			writeError(rec, status, err.Error())
			return
		}

		if method == http.MethodPost || method == http.MethodPut {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
			s.idempotent(rec, r, actor, func(w http.ResponseWriter) {
				h(w, r, ps, actor)
			})
			return
		}
		h(rec, r, ps, actor)
	})
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.svc.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		event := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *HTTPServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("Panic recovered")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

// writeAppError maps service errors to responses; unexpected ones are logged
// and reported as a generic 500.
func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	public := apperrors.Public(err)
	writeJSON(w, status, errorResponse{Error: public.Message, Code: public.Code, Details: public.Details})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}
