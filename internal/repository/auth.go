package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvass-analytics/ingestor/internal/models"
)

// auth.go implements internal/tokens.Repository against auth_records.

func (r *Repository) GetAuth(ctx context.Context, userID string) (*models.AuthRecord, error) {
	var a models.AuthRecord
	err := r.Pool.QueryRow(ctx, `
		SELECT user_id, refresh_token_cipher, last_refresh_at, is_valid, consecutive_failures
		FROM auth_records WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.RefreshTokenCipher, &a.LastRefreshAt, &a.IsValid, &a.ConsecutiveFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get auth: %w", err)
	}
	return &a, nil
}

func (r *Repository) CreateAuthRecord(ctx context.Context, userID string, cipher []byte) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO auth_records (user_id, refresh_token_cipher, last_refresh_at, is_valid, consecutive_failures)
		VALUES ($1, $2, now(), true, 0)
		ON CONFLICT (user_id) DO UPDATE
		  SET refresh_token_cipher = EXCLUDED.refresh_token_cipher,
		      last_refresh_at = now(), is_valid = true, consecutive_failures = 0`,
		userID, cipher)
	if err != nil {
		return fmt.Errorf("repository: create auth record: %w", err)
	}
	return nil
}

func (r *Repository) UpdateRefreshToken(ctx context.Context, userID string, cipher []byte) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE auth_records SET refresh_token_cipher = $2, last_refresh_at = $3
		WHERE user_id = $1`, userID, cipher, time.Now())
	if err != nil {
		return fmt.Errorf("repository: update refresh token: %w", err)
	}
	return nil
}

func (r *Repository) MarkRefreshSuccess(ctx context.Context, userID string) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE auth_records SET is_valid = true, consecutive_failures = 0, last_refresh_at = now()
		WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("repository: mark refresh success: %w", err)
	}
	return nil
}

func (r *Repository) IncrementFailure(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx, `
		UPDATE auth_records SET consecutive_failures = consecutive_failures + 1
		WHERE user_id = $1 RETURNING consecutive_failures`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: increment failure: %w", err)
	}
	return n, nil
}

func (r *Repository) MarkInvalid(ctx context.Context, userID string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE auth_records SET is_valid = false WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("repository: mark invalid: %w", err)
	}
	return nil
}
