package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// defaultTimezone is used when a user has no settings row yet.
const defaultTimezone = "UTC"

func (r *Repository) GetSettings(ctx context.Context, userID string) (*models.Settings, error) {
	var s models.Settings
	err := r.Pool.QueryRow(ctx, `
		SELECT user_id, timezone, is_public_profile FROM settings WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.Timezone, &s.IsPublicProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Settings{UserID: userID, Timezone: defaultTimezone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get settings: %w", err)
	}
	return &s, nil
}
