// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mutation id is unknown to the queue.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps DurableStore failures surfaced to callers.
	ErrStorage = errors.New("durable storage failure")
	// ErrStorageCorrupt marks persisted data that cannot be decoded.
	ErrStorageCorrupt = errors.New("durable storage corrupt")
	// ErrInvariant marks a programming or invariant violation.
	ErrInvariant = errors.New("invariant violation")
	// ErrInvalidState is returned for a state transition that is not allowed.
	ErrInvalidState = errors.New("invalid mutation state")
	// ErrAlreadyInitialized is returned by Engine.Initialize when called twice.
	ErrAlreadyInitialized = errors.New("engine already initialized")
	// ErrNotInitialized is returned by Engine operations before Initialize.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrOffline is returned by Fetch when nothing usable is cached and the device is offline.
	ErrOffline = errors.New("offline")
)

// ErrorClass tells the orchestrator whether a failed send may be retried.
type ErrorClass string

const (
	ErrorClassTransient    ErrorClass = "transient"
	ErrorClassNonRetryable ErrorClass = "non_retryable"
)

// TransportError is a classified failure returned by a Transport.
type TransportError struct {
	Class      ErrorClass
	StatusCode int    // 0 when the request never reached the server
	Code       string // server error code, if any
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s error: %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable transport failure.
func Transient(err error) error {
	return &TransportError{Class: ErrorClassTransient, Err: err}
}

// NonRetryable wraps err as a permanent transport failure.
func NonRetryable(err error) error {
	return &TransportError{Class: ErrorClassNonRetryable, Err: err}
}

// ClassifyError maps a send error to its class. Unknown errors are treated as transient
// so a record is never dropped because of an unrecognised failure.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) && te.Class != "" {
		return te.Class
	}
	// Timeouts, cancellations and net.Error values all land here.
	return ErrorClassTransient
}

// ClassifyStatus maps an HTTP-like status code to an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 408, status == 425, status == 429:
		return ErrorClassTransient
	case status >= 500:
		return ErrorClassTransient
	case status >= 400:
		return ErrorClassNonRetryable
	default:
		return ErrorClassTransient
	}
}
