// Package provider is a typed client over the upstream music-streaming
// provider's API (C1, §4.1). It is built on resty the way
// kirbs-btw-spotify-playlist-dataset drives the same upstream surface:
// bearer tokens via SetAuthToken, query params via SetQueryParams, and a
// shared *resty.Client per process.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	maxTrackBatch      = 50
	maxAlbumBatch      = 20
	maxArtistBatch     = 50
	maxAddItems        = 100
	maxPlaylistTracks  = 10000
	maxCoverImageBytes = 256 * 1024

	// Transient upstream failures (5xx, transport) on GET requests are
	// retried locally up to maxAttempts with exponential backoff before
	// surfacing; the POST/PUT calls and everything else surface immediately
	// and are the queue layer's problem (§7).
	maxAttempts   = 3
	retryBaseWait = 500 * time.Millisecond
)

// Client is the provider's capability set (send-request, decode-json,
// sleep) made concrete over resty + time.Sleep. Tests point baseURL at an
// httptest.Server and stub sleep rather than reimplementing this type.
type Client struct {
	http     *resty.Client
	baseURL  string
	tokenURL string
	sleep    func(time.Duration)
}

// New builds a Client pointed at the given base URL (its own field so tests
// can point at an httptest.Server). Token grants default to /token under
// the same base; production wiring points them at the provider's separate
// accounts host via SetTokenURL.
func New(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		http:     resty.New().SetTimeout(15 * time.Second),
		baseURL:  base,
		tokenURL: base + "/token",
		sleep:    time.Sleep,
	}
}

// SetTokenURL overrides the endpoint Refresh and ClientCredentials post
// their grants to.
func (c *Client) SetTokenURL(u string) {
	c.tokenURL = u
}

func (c *Client) req(ctx context.Context, accessToken string) *resty.Request {
	return c.http.R().SetContext(ctx).SetAuthToken(accessToken)
}

// mapError turns a resty response/transport error into the fixed taxonomy
// of §4.1 and §7. No other error shapes are produced by this function.
func mapError(resp *resty.Response, err error) *Error {
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	switch {
	case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
		return nil
	case resp.StatusCode() == 401:
		return &Error{Kind: KindUnauthenticated, Status: 401}
	case resp.StatusCode() == 403:
		return &Error{Kind: KindForbidden, Status: 403}
	case resp.StatusCode() == 429:
		retryAfter := 60
		if h := resp.Header().Get("Retry-After"); h != "" {
			if n, parseErr := strconv.Atoi(strings.TrimSpace(h)); parseErr == nil && n >= 0 {
				retryAfter = n
			}
		}
		return &Error{Kind: KindRateLimited, Status: 429, RetryAfterS: retryAfter}
	case resp.StatusCode() >= 500:
		return &Error{Kind: KindProviderDown, Status: resp.StatusCode()}
	default:
		return &Error{Kind: KindAPIError, Status: resp.StatusCode()}
	}
}

// getJSON executes one GET with up to maxAttempts tries on transient
// failures, decoding the body into out on success.
func (c *Client) getJSON(ctx context.Context, accessToken, path string, query map[string]string, out any) error {
	var lastErr *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(retryBaseWait << (attempt - 1))
		}
		resp, err := c.req(ctx, accessToken).
			SetQueryParams(query).
			Get(c.baseURL + path)
		if mapped := mapError(resp, err); mapped != nil {
			lastErr = mapped
			if mapped.Kind == KindProviderDown || mapped.Kind == KindTransport {
				continue
			}
			return mapped
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return &Error{Kind: KindTransport, Err: err}
		}
		return nil
	}
	return lastErr
}

// RecentlyPlayed pulls up to 50 most-recent plays after the given cursor
// (epoch ms). afterMs == 0 means unbounded (first run, §4.7 step 3).
func (c *Client) RecentlyPlayed(ctx context.Context, accessToken string, afterMs int64, limit int) (*RecentlyPlayedPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := map[string]string{"limit": strconv.Itoa(limit)}
	if afterMs > 0 {
		q["after"] = strconv.FormatInt(afterMs, 10)
	}
	var page RecentlyPlayedPage
	if err := c.getJSON(ctx, accessToken, "/me/player/recently-played", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// TopTracks and TopArtists fetch a user's top-N for one term, limit <= 50.
func (c *Client) TopTracks(ctx context.Context, accessToken string, term Term, limit int) (*TopTracksPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := map[string]string{"time_range": string(term), "limit": strconv.Itoa(limit)}
	var page TopTracksPage
	if err := c.getJSON(ctx, accessToken, "/me/top/tracks", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) TopArtists(ctx context.Context, accessToken string, term Term, limit int) (*TopArtistsPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := map[string]string{"time_range": string(term), "limit": strconv.Itoa(limit)}
	var page TopArtistsPage
	if err := c.getJSON(ctx, accessToken, "/me/top/artists", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// BatchTracks, BatchAlbums, BatchArtists look up catalog entities by id.
// Oversized inputs are rejected locally as a programmer error: not a
// provider-taxonomy error, and never retryable (§4.1).
func (c *Client) BatchTracks(ctx context.Context, accessToken string, ids []string) ([]RawTrack, error) {
	if len(ids) > maxTrackBatch {
		return nil, &InvariantViolation{Msg: fmt.Sprintf("batch tracks: %d ids exceeds cap %d", len(ids), maxTrackBatch)}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Tracks []RawTrack `json:"tracks"`
	}
	if err := c.getJSON(ctx, accessToken, "/tracks", map[string]string{"ids": strings.Join(ids, ",")}, &out); err != nil {
		return nil, err
	}
	return out.Tracks, nil
}

func (c *Client) BatchAlbums(ctx context.Context, accessToken string, ids []string) ([]RawAlbum, error) {
	if len(ids) > maxAlbumBatch {
		return nil, &InvariantViolation{Msg: fmt.Sprintf("batch albums: %d ids exceeds cap %d", len(ids), maxAlbumBatch)}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Albums []RawAlbum `json:"albums"`
	}
	if err := c.getJSON(ctx, accessToken, "/albums", map[string]string{"ids": strings.Join(ids, ",")}, &out); err != nil {
		return nil, err
	}
	return out.Albums, nil
}

func (c *Client) BatchArtists(ctx context.Context, accessToken string, ids []string) ([]RawArtist, error) {
	if len(ids) > maxArtistBatch {
		return nil, &InvariantViolation{Msg: fmt.Sprintf("batch artists: %d ids exceeds cap %d", len(ids), maxArtistBatch)}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Artists []RawArtist `json:"artists"`
	}
	if err := c.getJSON(ctx, accessToken, "/artists", map[string]string{"ids": strings.Join(ids, ",")}, &out); err != nil {
		return nil, err
	}
	return out.Artists, nil
}

// Playlists pages through the current user's playlists.
func (c *Client) Playlists(ctx context.Context, accessToken string, offset, limit int) (*PlaylistsPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q := map[string]string{"offset": strconv.Itoa(offset), "limit": strconv.Itoa(limit)}
	var page PlaylistsPage
	if err := c.getJSON(ctx, accessToken, "/me/playlists", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PlaylistTracks pages through one playlist's tracks, limit <= 100.
func (c *Client) PlaylistTracks(ctx context.Context, accessToken, playlistID string, offset, limit int) (*PlaylistTracksPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := map[string]string{"offset": strconv.Itoa(offset), "limit": strconv.Itoa(limit)}
	var page PlaylistTracksPage
	if err := c.getJSON(ctx, accessToken, "/playlists/"+playlistID+"/tracks", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreatePlaylist creates a new playlist for the user.
func (c *Client) CreatePlaylist(ctx context.Context, accessToken, userProviderID, name string, isPublic bool) (*CreatedPlaylist, error) {
	resp, err := c.req(ctx, accessToken).
		SetBody(map[string]any{"name": name, "public": isPublic}).
		Post(c.baseURL + "/users/" + userProviderID + "/playlists")
	if mapped := mapError(resp, err); mapped != nil {
		return nil, mapped
	}
	var created CreatedPlaylist
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	return &created, nil
}

// AddTracks adds up to 100 URIs per call, capped at 10000 total per
// playlist (enforced by the caller across calls, §4.1/§4.10).
func (c *Client) AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error {
	if len(uris) > maxAddItems {
		return &InvariantViolation{Msg: fmt.Sprintf("add tracks: %d uris exceeds per-call cap %d", len(uris), maxAddItems)}
	}
	if len(uris) == 0 {
		return nil
	}
	resp, err := c.req(ctx, accessToken).
		SetBody(map[string]any{"uris": uris}).
		Post(c.baseURL + "/playlists/" + playlistID + "/tracks")
	return mapErrorOrNil(mapError(resp, err))
}

// UploadCoverImage uploads a base64-encoded PNG/JPEG, raw size <= 256KiB.
// The magic-byte/format check happens at validation time (§4.10); here we
// only reject input that is not valid base64 (KindValidation) and enforce
// the size cap, which is a programmer-error if violated by a caller that
// skipped validation.
func (c *Client) UploadCoverImage(ctx context.Context, accessToken, playlistID, base64Image string) error {
	raw, err := base64.StdEncoding.DecodeString(base64Image)
	if err != nil {
		return newValidationError("cover image is not valid base64: %w", err)
	}
	if len(raw) > maxCoverImageBytes {
		return &InvariantViolation{Msg: fmt.Sprintf("cover image: %d raw bytes exceeds cap %d", len(raw), maxCoverImageBytes)}
	}
	resp, reqErr := c.req(ctx, accessToken).
		SetHeader("Content-Type", "image/jpeg").
		SetBody(base64Image).
		Put(c.baseURL + "/playlists/" + playlistID + "/images")
	return mapErrorOrNil(mapError(resp, reqErr))
}

// Refresh implements the triad's non-login-flow half: turning
// a refresh token into a fresh access token. The OAuth authorize/exchange
// dance itself is the external collaborator named in §1; only refresh is
// exercised by the Token Manager (C4).
func (c *Client) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenPair, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetBasicAuth(clientID, clientSecret).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody("grant_type=refresh_token&refresh_token=" + refreshToken).
		Post(c.tokenURL)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	if resp.StatusCode() >= 400 {
		body := string(resp.Body())
		if strings.Contains(body, "invalid_grant") {
			return nil, &RevokedError{}
		}
		return nil, mapError(resp, nil)
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	return &TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

// ClientCredentials exchanges the app's own client id/secret for an
// app-scoped access token (no user context), the grant the catalog's
// artist-metadata enrichment worker uses since it runs independently of
// any one user's session.
func (c *Client) ClientCredentials(ctx context.Context, clientID, clientSecret string) (*TokenPair, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetBasicAuth(clientID, clientSecret).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody("grant_type=client_credentials").
		Post(c.tokenURL)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	if resp.StatusCode() >= 400 {
		return nil, mapError(resp, nil)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	return &TokenPair{AccessToken: out.AccessToken, ExpiresIn: time.Duration(out.ExpiresIn) * time.Second}, nil
}

// RevokedError signals the provider-specific "invalid_grant" condition: the
// refresh token has been revoked and the auth record must be invalidated
// (§4.4).
type RevokedError struct{}

func (e *RevokedError) Error() string { return "provider: refresh token revoked (invalid_grant)" }

func mapErrorOrNil(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}
