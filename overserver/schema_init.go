// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the ledger and entity tables if they don't exist
func (s *PGStore) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

func (s *PGStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS overline`,

		// 1) Current entity state (user-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS overline.entities (
			user_id     TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			payload     JSONB,
			version     BIGINT      NOT NULL DEFAULT 0,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_id),
			CONSTRAINT entities_payload_by_deleted_chk
				CHECK ((deleted AND payload IS NULL) OR (NOT deleted AND payload IS NOT NULL))
		)`,

		// 2) Idempotency ledger: one row per applied client mutation id
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS overline.mutation_ledger (
			user_id          TEXT        NOT NULL,
			idempotency_key  TEXT        NOT NULL,
			source_id        TEXT        NOT NULL,
			entity_id        TEXT        NOT NULL,
			kind             TEXT        NOT NULL CHECK (kind IN ('create','update','delete','custom')),
			payload          JSONB,
			result           JSONB,
			version          BIGINT      NOT NULL DEFAULT 0,
			applied_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ml_user_entity_idx ON overline.mutation_ledger(user_id, entity_id, applied_at)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running ledger migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("ledger migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Ledger schema initialized successfully", "migrations", len(migrations))
	return nil
}
