package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-endpoint-router/internal/middleware"
	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/routing"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// Server represents the HTTP server
type Server struct {
	registry   *registry.Registry
	router     *routing.Router
	metrics    http.Handler
	validation *middleware.ValidationMiddleware
	audit      *middleware.AuditLogger
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig

	openAPIJSON []byte
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                       `yaml:"port"`
	ReadTimeout    time.Duration                `yaml:"read_timeout"`
	WriteTimeout   time.Duration                `yaml:"write_timeout"`
	MaxHeaderBytes int                          `yaml:"max_header_bytes"`
	AllowedOrigins []string                     `yaml:"allowed_origins"`
	Validation     *middleware.ValidationConfig `yaml:"validation"`
	Audit          *middleware.AuditConfig      `yaml:"audit"`
}

// NewServer creates a new server instance. metrics may be nil, in which
// case /metrics is not served.
func NewServer(reg *registry.Registry, router *routing.Router, metrics http.Handler, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	validation, err := middleware.NewValidationMiddleware(config.Validation, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}
	docJSON, err := openAPIJSON(context.Background())
	if err != nil {
		return nil, err
	}

	return &Server{
		registry:   reg,
		router:     router,
		metrics:    metrics,
		validation: validation,
		audit:      middleware.NewAuditLogger(config.Audit, logger),
		logger:     logger,
		config:     config,

		openAPIJSON: docJSON,
	}, nil
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM endpoint router server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM endpoint router server")
	defer s.audit.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wired route tree
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	r.Use(s.validation.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")

	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")
	audited := func(h http.HandlerFunc) http.Handler { return s.audit.Middleware(h) }
	api.Handle("/providers/{id}", audited(s.handleUnregisterProvider)).Methods("DELETE")
	api.Handle("/providers/{id}/enable", audited(s.handleEnableProvider)).Methods("POST")
	api.Handle("/providers/{id}/disable", audited(s.handleDisableProvider)).Methods("POST")
	api.Handle("/providers/{id}/priority", audited(s.handleSetPriority)).Methods("PUT")
	api.Handle("/providers/{id}/weight", audited(s.handleSetWeight)).Methods("PUT")
	api.Handle("/providers/{id}/status", audited(s.handleSetStatus)).Methods("PUT")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}
	s.setupDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			entry.Debug("HTTP request")
			return
		}
		entry.Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := len(s.config.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, o := range s.config.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch origin := r.Header.Get("Origin"); {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "invalid_request_error", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    statusCode,
		},
		Timestamp: time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
