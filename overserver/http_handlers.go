// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const defaultMaxBodyBytes = 1 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPMutationHandlers provides the HTTP surface of MutationService
type HTTPMutationHandlers struct {
	service       *MutationService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPMutationHandlers creates a new instance of mutation handlers
func NewHTTPMutationHandlers(service *MutationService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPMutationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPMutationHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleMutation applies one queued client write: POST /v1/mutations
func (h *HTTPMutationHandlers) HandleMutation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		h.writeError(w, http.StatusBadRequest, CodeMissingIdempotencyKey, IdempotencyKeyHeader+" header is required")
		return
	}

	limit := int64(defaultMaxBodyBytes)
	if maxPayload := h.service.config.MaxPayloadBytes; maxPayload > 0 {
		limit = int64(maxPayload) + defaultMaxBodyBytes/16
	}
	var upload MutationUpload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&upload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse mutation request")
		return
	}

	response, err := h.service.ApplyMutation(r.Context(), userID, sourceID, key, &upload)
	if err != nil {
		h.writeServiceError(w, err, "Failed to apply mutation", "idempotency_key", key, "source_id", sourceID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode mutation response", "error", err, "idempotency_key", key)
	}
}

// HandleEntity returns the current server state of one entity: GET /v1/entities/{id}
func (h *HTTPMutationHandlers) HandleEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return
	}

	entityID := r.PathValue("id")
	if entityID == "" {
		entityID = strings.TrimPrefix(r.URL.Path, "/v1/entities/")
	}
	entity, err := h.service.GetEntity(r.Context(), userID, entityID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load entity", "entity", entityID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entity); err != nil {
		h.logger.Error("Failed to encode entity response", "error", err, "entity", entityID)
	}
}

// HandleHealth reports store connectivity: GET /health
func (h *HTTPMutationHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: HealthHealthy, Service: h.service.AppName()}
	status := http.StatusOK
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = HealthUnhealthy
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HTTPMutationHandlers) writeServiceError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusUnprocessableEntity, CodeValidationFailed, verr.Error())
	case errors.Is(err, ErrEntityNotFound):
		h.writeError(w, http.StatusNotFound, CodeEntityNotFound, err.Error())
	case errors.Is(err, ErrServiceClosed):
		h.writeError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error())
	default:
		h.logger.Error(msg, append([]any{"error", err}, attrs...)...)
		h.writeError(w, http.StatusInternalServerError, CodeMutationFailed, msg)
	}
}

// writeError writes a standardized error response
func (h *HTTPMutationHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
