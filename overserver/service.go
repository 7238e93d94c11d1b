// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overline/overline"
)

// Mutation is a validated write handed to a Store
type Mutation struct {
	IdempotencyKey string
	SourceID       string // device that sent the write
	TargetEntity   string
	Kind           string
	Payload        json.RawMessage
}

// Store persists the idempotency ledger and entity state. ApplyMutation must apply a key at most
// once per user: a replayed key returns the stored response with Replayed set.
type Store interface {
	ApplyMutation(ctx context.Context, userID string, m Mutation) (*MutationResponse, error)
	GetEntity(ctx context.Context, userID, entityID string) (*EntityResponse, error)
	Ping(ctx context.Context) error
}

// ServiceConfig holds configuration for the mutation service
type ServiceConfig struct {
	AppName         string                        // reported by /health
	MaxPayloadBytes int                           // maximum JSON payload size per mutation (0 = unlimited)
	Validate        ValidateFunc                  // optional application-level payload validation
	StageMetrics    overline.StageMetricsRecorder // optional
}

// MutationService validates incoming mutations and applies them through a Store
type MutationService struct {
	store  Store
	config *ServiceConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMutationService creates a service over store. The store lifecycle stays with the caller.
func NewMutationService(store Store, config *ServiceConfig, logger *slog.Logger) *MutationService {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.AppName == "" {
		config.AppName = "go-overline-server"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MutationService{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Close marks the service closed. It's safe to call multiple times.
func (s *MutationService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Mutation service shutdown complete")
	return nil
}

func (s *MutationService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// AppName returns the configured application name
func (s *MutationService) AppName() string {
	return s.config.AppName
}

// ApplyMutation validates req and applies it exactly once for (userID, key)
func (s *MutationService) ApplyMutation(ctx context.Context, userID, sourceID, key string, req *MutationUpload) (*MutationResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	start := time.Now()
	err := validateUpload(key, req, s.config.MaxPayloadBytes)
	if err == nil && s.config.Validate != nil {
		err = s.config.Validate(req.TargetEntity, req.Kind, req.Payload)
	}
	s.observe(ctx, MetricsStageValidate, start, req.Attempt, err)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.logger.Debug("Mutation rejected", "idempotency_key", key, "entity", req.TargetEntity, "reason", verr.Error())
			return nil, err
		}
		return nil, fmt.Errorf("failed to validate mutation: %w", err)
	}

	start = time.Now()
	resp, err := s.store.ApplyMutation(ctx, userID, Mutation{
		IdempotencyKey: key,
		SourceID:       sourceID,
		TargetEntity:   req.TargetEntity,
		Kind:           req.Kind,
		Payload:        req.Payload,
	})
	s.observe(ctx, MetricsStageStore, start, req.Attempt, err)
	if err != nil {
		return nil, err
	}
	if resp.Replayed {
		s.logger.Debug("Idempotent replay", "idempotency_key", key, "entity", req.TargetEntity, "source_id", sourceID)
	}
	return resp, nil
}

// GetEntity returns the current state of an entity owned by userID
func (s *MutationService) GetEntity(ctx context.Context, userID, entityID string) (*EntityResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := validateEntityID(entityID); err != nil {
		return nil, err
	}
	return s.store.GetEntity(ctx, userID, entityID)
}

// Health reports whether the service and its store are usable
func (s *MutationService) Health(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

func (s *MutationService) observe(ctx context.Context, stage string, start time.Time, attempt int, err error) {
	if s.config.StageMetrics == nil {
		return
	}
	s.config.StageMetrics.ObserveStage(ctx, overline.StageTiming{
		Operation: MetricsOpApply,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     1,
		Attempt:   attempt,
		Error:     err != nil,
	})
}
