package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ingestion_errors.go is the supplemented app.ingestion_errors table (see
// SPEC_FULL.md §10): grounded directly on the teacher's
// postgres_leasing.go LogIndexingError, adapted from block-height keyed
// errors to worker/user keyed ones. C7/C9/C10 failures that are swallowed
// for retry purposes are logged here rather than silently lost.

// LogIngestionError records a worker failure for a user, deduplicated by
// (worker, user, error hash) the same way the teacher dedupes by
// (worker, height, error_hash) with ON CONFLICT DO NOTHING.
func (r *Repository) LogIngestionError(ctx context.Context, worker, userID, errMsg string) error {
	sum := sha256.Sum256([]byte(errMsg))
	errHash := hex.EncodeToString(sum[:])
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO ingestion_errors (worker_name, user_id, error_hash, error_message, occurred_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (worker_name, user_id, error_hash) DO NOTHING`,
		worker, userID, errHash, errMsg)
	if err != nil {
		return fmt.Errorf("repository: log ingestion error: %w", err)
	}
	return nil
}
