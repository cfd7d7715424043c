// Package tokens implements the token manager (C4, §4.4): it hands callers
// a live provider access token, refreshing proactively inside a trailing
// window and transparently on demand, and it is the only component that
// ever touches a refresh token's plaintext.
//
// Refresh-token ciphertext at rest uses golang.org/x/crypto/nacl/secretbox,
// the same dependency arung-agamani-denpa-radio pulls in for its own
// at-rest secret handling. Session/confirmation signing is a different
// mechanism (HMAC over a short-lived payload, not a stored secret) and
// stays on stdlib crypto/hmac+crypto/sha256, see internal/api.
package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
)

const (
	// failureThreshold is the number of consecutive refresh failures after
	// which an auth record is marked invalid and the user must re-auth (§4.4).
	failureThreshold = 3

	// refreshWindow is how long a cached access token is handed out as-is
	// before a proactive refresh kicks in: the provider's tokens live an
	// hour, so refreshing past the 50-minute mark stays ahead of expiry.
	refreshWindow = 50 * time.Minute

	// assumedTokenLifetime is used when the provider's ExpiresIn is zero or
	// implausibly small, to avoid caching a token that looks eternally fresh.
	assumedTokenLifetime = 60 * time.Minute
)

// ErrReauthRequired signals that the stored refresh token is no longer
// usable and the user must complete the OAuth flow again.
var ErrReauthRequired = errors.New("tokens: refresh token invalid, re-authentication required")

// Repository is the persistence seam into the auth_records table,
// implemented by internal/repository.
type Repository interface {
	GetAuth(ctx context.Context, userID string) (*models.AuthRecord, error)
	UpdateRefreshToken(ctx context.Context, userID string, cipher []byte) error
	MarkRefreshSuccess(ctx context.Context, userID string) error
	IncrementFailure(ctx context.Context, userID string) (int, error)
	MarkInvalid(ctx context.Context, userID string) error
}

type cachedToken struct {
	accessToken string
	refreshedAt time.Time
	expiresAt   time.Time
}

// Manager is the process-wide token manager (§5 "Shared resources": the
// in-memory access-token cache is a mutex-guarded map, same shape as the
// breaker table and rate limiter).
type Manager struct {
	provider     *provider.Client
	repo         Repository
	key          [32]byte
	clientID     string
	clientSecret string

	mu    sync.Mutex
	cache map[string]cachedToken
}

// New builds a Manager. key must be exactly 32 bytes (a secretbox key);
// callers derive it from config.Config.HMACSecret's sibling encryption
// secret via a KDF at wiring time. clientID/clientSecret authenticate the
// refresh-token exchange itself (§4.4), distinct from any per-user token.
func New(p *provider.Client, repo Repository, key [32]byte, clientID, clientSecret string) *Manager {
	return &Manager{
		provider:     p,
		repo:         repo,
		key:          key,
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        make(map[string]cachedToken),
	}
}

// EncryptRefreshToken seals plaintext under a fresh random nonce, returning
// nonce||ciphertext.
func (m *Manager) EncryptRefreshToken(plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("tokens: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &m.key), nil
}

// decryptRefreshToken reverses EncryptRefreshToken.
func (m *Manager) decryptRefreshToken(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", fmt.Errorf("tokens: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &m.key)
	if !ok {
		return "", fmt.Errorf("tokens: decryption failed")
	}
	return string(plain), nil
}

// GetValidAccessToken returns a currently-usable access token for userID,
// refreshing proactively once the cached token is older than refreshWindow
// (or expired, or absent entirely).
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	tok, ok := m.cache[userID]
	m.mu.Unlock()

	if ok && time.Since(tok.refreshedAt) < refreshWindow && time.Now().Before(tok.expiresAt) {
		return tok.accessToken, nil
	}
	return m.refreshUserToken(ctx, userID)
}

// refreshUserToken loads the stored refresh token, exchanges it with the
// provider, and persists the result. A RevokedError from the provider
// short-circuits straight to invalidation without consuming a retry slot.
func (m *Manager) refreshUserToken(ctx context.Context, userID string) (string, error) {
	auth, err := m.repo.GetAuth(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("tokens: load auth record: %w", err)
	}
	if !auth.IsValid {
		return "", ErrReauthRequired
	}

	plainRefresh, err := m.decryptRefreshToken(auth.RefreshTokenCipher)
	if err != nil {
		return "", fmt.Errorf("tokens: decrypt stored refresh token: %w", err)
	}

	pair, err := m.provider.Refresh(ctx, m.clientID, m.clientSecret, plainRefresh)
	if err != nil {
		var revoked *provider.RevokedError
		if errors.As(err, &revoked) {
			if markErr := m.repo.MarkInvalid(ctx, userID); markErr != nil {
				return "", fmt.Errorf("tokens: mark invalid after revocation: %w", markErr)
			}
			return "", ErrReauthRequired
		}
		if failErr := m.recordTokenFailure(ctx, userID); failErr != nil {
			return "", fmt.Errorf("tokens: refresh failed and recording failure also failed: %w", failErr)
		}
		return "", fmt.Errorf("tokens: refresh: %w", err)
	}

	if pair.RefreshToken != "" {
		cipher, encErr := m.EncryptRefreshToken(pair.RefreshToken)
		if encErr != nil {
			return "", fmt.Errorf("tokens: re-encrypt rotated refresh token: %w", encErr)
		}
		if updErr := m.repo.UpdateRefreshToken(ctx, userID, cipher); updErr != nil {
			return "", fmt.Errorf("tokens: persist rotated refresh token: %w", updErr)
		}
	}
	if err := m.resetTokenFailures(ctx, userID); err != nil {
		return "", fmt.Errorf("tokens: reset failure count: %w", err)
	}

	lifetime := pair.ExpiresIn
	if lifetime <= 0 {
		lifetime = assumedTokenLifetime
	}

	now := time.Now()
	m.mu.Lock()
	m.cache[userID] = cachedToken{
		accessToken: pair.AccessToken,
		refreshedAt: now,
		expiresAt:   now.Add(lifetime),
	}
	m.mu.Unlock()

	return pair.AccessToken, nil
}

// recordTokenFailure increments the consecutive-failure counter and, at
// failureThreshold, marks the auth record invalid so no further refresh
// attempts are made until the user re-authenticates.
func (m *Manager) recordTokenFailure(ctx context.Context, userID string) error {
	count, err := m.repo.IncrementFailure(ctx, userID)
	if err != nil {
		return err
	}
	if count >= failureThreshold {
		return m.repo.MarkInvalid(ctx, userID)
	}
	return nil
}

// resetTokenFailures clears the consecutive-failure counter on a
// successful refresh.
func (m *Manager) resetTokenFailures(ctx context.Context, userID string) error {
	return m.repo.MarkRefreshSuccess(ctx, userID)
}

// Invalidate drops any cached access token for userID, forcing the next
// GetValidAccessToken call to refresh. Only the tests call it; the
// playlist worker does not invoke it on a 401 mid-job.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}
