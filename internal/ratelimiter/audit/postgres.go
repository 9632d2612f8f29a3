// Copyright 2025 The Ratewall Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS rate_audit_counters (
//   scope_hash TEXT NOT NULL,
//   principal_hash TEXT NOT NULL,
//   allowed BIGINT NOT NULL DEFAULT 0,
//   blocked BIGINT NOT NULL DEFAULT 0,
//   PRIMARY KEY (scope_hash, principal_hash)
// );
//
// CREATE TABLE IF NOT EXISTS applied_audit_events (
//   event_id TEXT PRIMARY KEY,
//   scope_hash TEXT NOT NULL,
//   principal_hash TEXT NOT NULL,
//   ts TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX IF NOT EXISTS idx_applied_audit_events_principal ON applied_audit_events(scope_hash, principal_hash);
//
// Neither table stores a raw principal or store key: every row is keyed
// by the SHA-256 hashes Event carries (see HashIdentity).

// PostgresSink commits each event inside one transaction per batch. It
// inserts the EventID into applied_audit_events with ON CONFLICT DO NOTHING
// and updates the counter only when that insert added a row, so a retried
// batch never double-counts.
type PostgresSink struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, defaultTimeout: 10 * time.Second}
}

func (p *PostgresSink) CommitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if e.EventID == "" {
			return errors.New("audit: Event.EventID must be set")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_audit_counters(scope_hash, principal_hash, allowed, blocked) VALUES ($1, $2, 0, 0) ON CONFLICT DO NOTHING`,
			e.ScopeHash, e.PrincipalHash); err != nil {
			return fmt.Errorf("insert rate_audit_counters(%s,%s): %w", e.ScopeHash, e.PrincipalHash, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied_audit_events(event_id, scope_hash, principal_hash) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			e.EventID, e.ScopeHash, e.PrincipalHash)
		if err != nil {
			return fmt.Errorf("insert applied_audit_events(%s): %w", e.EventID, err)
		}
		// A retried batch re-inserts an EventID already seen: RowsAffected
		// is 0 and the counter update below is skipped, making the whole
		// commit idempotent per EventID.
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("applied_audit_events rows affected: %w", err)
		}
		if n == 0 {
			continue
		}

		col := "blocked"
		if e.Allowed {
			col = "allowed"
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE rate_audit_counters SET %s = %s + 1 WHERE scope_hash = $1 AND principal_hash = $2`, col, col),
			e.ScopeHash, e.PrincipalHash); err != nil {
			return fmt.Errorf("update rate_audit_counters(%s,%s): %w", e.ScopeHash, e.PrincipalHash, err)
		}
	}

	return tx.Commit()
}
