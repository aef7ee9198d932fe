package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/egress/internal/model"
	"github.com/edvin/egress/internal/reconciler"
)

// StatusStore persists per-namespace reconcile outcomes and drift events so
// operators can see which tenants are degraded and why.
type StatusStore struct {
	pool *pgxpool.Pool
}

// NewStatusStore wraps a connection pool.
func NewStatusStore(pool *pgxpool.Pool) *StatusStore {
	return &StatusStore{pool: pool}
}

// RecordOutcome upserts the namespace's latest reconcile result.
func (s *StatusStore) RecordOutcome(ctx context.Context, namespace string, phase model.Phase, specHash string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO namespace_status (namespace, phase, spec_hash, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (namespace) DO UPDATE SET
			phase = EXCLUDED.phase,
			spec_hash = EXCLUDED.spec_hash,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		namespace, string(phase), specHash, attempts, lastErr,
	)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", namespace, err)
	}
	return nil
}

// RecordDrift appends one drift event.
func (s *StatusStore) RecordDrift(ctx context.Context, ev reconciler.DriftEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_events (id, namespace, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Namespace, ev.Kind, ev.Detail, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record drift event: %w", err)
	}
	return nil
}
