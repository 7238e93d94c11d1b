// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overline/overline"
)

// PGStore is a Postgres-backed Store
type PGStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
	logger   *slog.Logger
}

// NewPGStore creates a store over an existing pool and initializes its schema.
// The caller keeps ownership of pool.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

// OpenPGStore connects to databaseURL and returns a store that owns its pool
func OpenPGStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s, err := NewPGStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// Close releases the pool if the store opened it
func (s *PGStore) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ApplyMutation applies m inside one transaction. The ledger row is inserted first so a concurrent
// duplicate blocks on the primary key and then observes the committed result.
func (s *PGStore) ApplyMutation(ctx context.Context, userID string, m Mutation) (*MutationResponse, error) {
	var resp *MutationResponse
	err := defaultTxRetry.run(ctx, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")
			r, err := s.applyInTx(ctx, tx, userID, m)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	}, func(attempt int, state string) {
		s.logger.Warn("Retrying ledger transaction", "idempotency_key", m.IdempotencyKey, "attempt", attempt, "sqlstate", state)
	})
	if err != nil {
		var verr *ValidationError
		if errors.Is(err, ErrEntityNotFound) || errors.As(err, &verr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply mutation %s: %w", m.IdempotencyKey, err)
	}
	return resp, nil
}

func (s *PGStore) applyInTx(ctx context.Context, tx pgx.Tx, userID string, m Mutation) (*MutationResponse, error) {
	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO overline.mutation_ledger (user_id, idempotency_key, source_id, entity_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		userID, m.IdempotencyKey, m.SourceID, m.TargetEntity, m.Kind, payload)
	if err != nil {
		return nil, fmt.Errorf("idempotency gate insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.replay(ctx, tx, userID, m)
	}

	resp := &MutationResponse{TargetEntity: m.TargetEntity}
	switch m.Kind {
	case overline.KindCreate:
		err = tx.QueryRow(ctx, `
			INSERT INTO overline.entities (user_id, entity_id, payload, version, deleted)
			VALUES ($1, $2, $3::jsonb, 1, FALSE)
			ON CONFLICT (user_id, entity_id) DO UPDATE SET
				payload = EXCLUDED.payload,
				version = overline.entities.version + 1,
				deleted = FALSE,
				updated_at = now()
			RETURNING payload, version`,
			userID, m.TargetEntity, payload).Scan(&resp.Data, &resp.Version)
	case overline.KindUpdate:
		err = tx.QueryRow(ctx, `
			UPDATE overline.entities SET
				payload = payload || $3::jsonb,
				version = version + 1,
				updated_at = now()
			WHERE user_id = $1 AND entity_id = $2 AND NOT deleted
			RETURNING payload, version`,
			userID, m.TargetEntity, payload).Scan(&resp.Data, &resp.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
	case overline.KindDelete:
		resp.Deleted = true
		err = tx.QueryRow(ctx, `
			INSERT INTO overline.entities (user_id, entity_id, payload, version, deleted)
			VALUES ($1, $2, NULL, 1, TRUE)
			ON CONFLICT (user_id, entity_id) DO UPDATE SET
				payload = NULL,
				version = overline.entities.version + 1,
				deleted = TRUE,
				updated_at = now()
			RETURNING version`,
			userID, m.TargetEntity).Scan(&resp.Version)
	case overline.KindCustom:
		var deleted bool
		err = tx.QueryRow(ctx, `
			SELECT payload, version, deleted FROM overline.entities
			WHERE user_id = $1 AND entity_id = $2`,
			userID, m.TargetEntity).Scan(&resp.Data, &resp.Version, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
		}
		resp.Deleted = deleted
	default:
		return nil, invalid("kind", "unsupported kind %q", m.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s to entity %s: %w", m.Kind, m.TargetEntity, err)
	}

	result, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger result: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE overline.mutation_ledger SET result = $3::jsonb, version = $4
		WHERE user_id = $1 AND idempotency_key = $2`,
		userID, m.IdempotencyKey, string(result), resp.Version); err != nil {
		return nil, fmt.Errorf("failed to record ledger result: %w", err)
	}
	return resp, nil
}

func (s *PGStore) replay(ctx context.Context, tx pgx.Tx, userID string, m Mutation) (*MutationResponse, error) {
	var entityID string
	var result []byte
	err := tx.QueryRow(ctx, `
		SELECT entity_id, result FROM overline.mutation_ledger
		WHERE user_id = $1 AND idempotency_key = $2`,
		userID, m.IdempotencyKey).Scan(&entityID, &result)
	if err != nil {
		return nil, fmt.Errorf("idempotency gate check failed: %w", err)
	}
	if entityID != m.TargetEntity {
		return nil, invalid("idempotency_key", "already used for a different entity")
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("ledger entry %s has no result", m.IdempotencyKey)
	}
	var resp MutationResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode ledger result: %w", err)
	}
	resp.Replayed = true
	s.logger.Debug("Idempotency gate hit", "idempotency_key", m.IdempotencyKey, "entity", m.TargetEntity)
	return &resp, nil
}

func (s *PGStore) GetEntity(ctx context.Context, userID, entityID string) (*EntityResponse, error) {
	resp := &EntityResponse{ID: entityID}
	var deleted bool
	err := s.pool.QueryRow(ctx, `
		SELECT payload, version, deleted, updated_at FROM overline.entities
		WHERE user_id = @user_id AND entity_id = @entity_id`,
		pgx.NamedArgs{"user_id": userID, "entity_id": entityID}).
		Scan(&resp.Data, &resp.Version, &deleted, &resp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	if deleted {
		return nil, ErrEntityNotFound
	}
	return resp, nil
}

var _ Store = (*PGStore)(nil)
