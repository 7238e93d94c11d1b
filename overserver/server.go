// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// DevJWTSecret is used when no secret is configured. Never use it in production.
const DevJWTSecret = "overline-dev-secret-change-in-production"

// ServerConfig holds configuration for the reference mutation server
type ServerConfig struct {
	Store          Store // required
	JWTSecret      string
	Logger         *slog.Logger
	Service        *ServiceConfig
	RequestLogging bool
}

// Server wires MutationService, JWT auth and the HTTP routes
type Server struct {
	Service *MutationService
	JWTAuth *JWTAuth
	Handler http.Handler
	Logger  *slog.Logger
	store   Store
}

// NewServer builds the HTTP handler tree:
//
//	GET  /health
//	POST /v1/mutations       (JWT)
//	GET  /v1/entities/{id}   (JWT)
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil || config.Store == nil {
		return nil, errors.New("server store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secret := config.JWTSecret
	if secret == "" {
		secret = DevJWTSecret
		logger.Warn("Using default JWT secret - change in production!")
	}

	service := NewMutationService(config.Store, config.Service, logger)
	jwtAuth := NewJWTAuth(secret, logger)
	handlers := NewHTTPMutationHandlers(service, ContextAuthenticator{}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("POST /v1/mutations", jwtAuth.Middleware(http.HandlerFunc(handlers.HandleMutation)))
	mux.Handle("GET /v1/entities/{id}", jwtAuth.Middleware(http.HandlerFunc(handlers.HandleEntity)))

	var handler http.Handler = mux
	if config.RequestLogging {
		handler = LoggingMiddleware(handler, logger)
	}
	return &Server{
		Service: service,
		JWTAuth: jwtAuth,
		Handler: handler,
		Logger:  logger,
		store:   config.Store,
	}, nil
}

// GenerateToken issues a token accepted by this server
func (s *Server) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	return s.JWTAuth.GenerateToken(userID, deviceID, ttl)
}

// Close shuts down the service and releases a store that owns its resources
func (s *Server) Close() {
	_ = s.Service.Close()
	if c, ok := s.store.(interface{ Close() }); ok {
		c.Close()
	}
}

// LoggingMiddleware logs method, path, status and duration of every request
func LoggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"idempotency_key", r.Header.Get(IdempotencyKeyHeader))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
