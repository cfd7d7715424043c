package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kvass-analytics/ingestor/internal/models"
)

func (r *Repository) CreateImportJob(ctx context.Context, userID string) (*models.ImportJob, error) {
	var j models.ImportJob
	j.UserID = userID
	err := r.Pool.QueryRow(ctx, `
		INSERT INTO import_jobs (id, user_id, status, created_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, now(), now())
		RETURNING id, status, created_at, updated_at`,
		userID, models.ImportPending).Scan(&j.ID, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository: create import job: %w", err)
	}
	return &j, nil
}

func (r *Repository) UpdateImportJobStatus(ctx context.Context, id string, status models.ImportStatus) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE import_jobs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("repository: update import job status: %w", err)
	}
	return nil
}

// CleanupStaleImports moves PENDING import jobs older than staleAfter to
// FAILED, per the C11 cleanup-stale-imports op (§4.11).
func (r *Repository) CleanupStaleImports(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE import_jobs SET status = $1, updated_at = now()
		WHERE status = $2 AND created_at < $3`,
		models.ImportFailed, models.ImportPending, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("repository: cleanup stale imports: %w", err)
	}
	return tag.RowsAffected(), nil
}
