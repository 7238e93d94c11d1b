// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

// Error codes returned in ErrorResponse.Error
const (
	CodeMethodNotAllowed      = "method_not_allowed"
	CodeAuthenticationFailed  = "authentication_failed"
	CodeInvalidRequest        = "invalid_request"
	CodeMissingIdempotencyKey = "missing_idempotency_key"
	CodePayloadTooLarge       = "payload_too_large"
	CodeValidationFailed      = "validation_failed"
	CodeEntityNotFound        = "entity_not_found"
	CodeMutationFailed        = "mutation_failed"
	CodeServiceUnavailable    = "service_unavailable"
)

// Health statuses
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

const (
	maxIdempotencyKeyLen = 128
	maxEntityIDLen       = 256
)
