package provider

import "time"

// RawArtist, RawAlbum, RawTrack are the provider's catalog payload shapes,
// embedded inside recently-played/top-tracks responses and batch lookups.
type RawArtist struct {
	ProviderID string  `json:"id"`
	Name       string  `json:"name"`
	ImageURL   *string `json:"image_url,omitempty"`
}

type RawAlbum struct {
	ProviderID string  `json:"id"`
	Name       string  `json:"name"`
	ImageURL   *string `json:"image_url,omitempty"`
}

type RawTrack struct {
	ProviderID string      `json:"id"`
	Name       string      `json:"name"`
	DurationMs int64       `json:"duration_ms"`
	PreviewURL *string     `json:"preview_url,omitempty"`
	Album      *RawAlbum   `json:"album,omitempty"`
	Artists    []RawArtist `json:"artists"`
}

// RecentlyPlayedItem is one entry of the recently-played page.
type RecentlyPlayedItem struct {
	Track    RawTrack  `json:"track"`
	PlayedAt time.Time `json:"played_at"`
}

// RecentlyPlayedPage is the paginated recently-played response, cursor'd by
// the millisecond timestamp `after`.
type RecentlyPlayedPage struct {
	Items []RecentlyPlayedItem `json:"items"`
	Next  *string              `json:"next"`
}

// TopTracksPage and TopArtistsPage are the provider's per-term top-N
// responses (§4.1).
type TopTracksPage struct {
	Items []RawTrack `json:"items"`
}

type TopArtistsPage struct {
	Items []RawArtist `json:"items"`
}

// RawPlaylist is the provider's playlist summary shape.
type RawPlaylist struct {
	ProviderID string `json:"id"`
	Name       string `json:"name"`
	TracksHref string `json:"tracks_href"`
}

// PlaylistsPage pages through the current user's playlists.
type PlaylistsPage struct {
	Items []RawPlaylist `json:"items"`
	Next  *string       `json:"next"`
}

// PlaylistTrackItem is one row of a playlist's tracks page.
type PlaylistTrackItem struct {
	Track   RawTrack `json:"track"`
	IsLocal bool     `json:"is_local"`
}

// PlaylistTracksPage pages through one playlist's tracks, up to 100 per
// page (§4.1, §6).
type PlaylistTracksPage struct {
	Items []PlaylistTrackItem `json:"items"`
	Next  *string             `json:"next"`
}

// CreatedPlaylist is returned by CreatePlaylist.
type CreatedPlaylist struct {
	ProviderID string `json:"id"`
	URL        string `json:"external_url"`
}

// Term mirrors models.Term on the wire as the provider's time_range values.
type Term string

const (
	TermShort  Term = "short_term"
	TermMedium Term = "medium_term"
	TermLong   Term = "long_term"
)

// TokenPair is returned by token exchange/refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string // may be empty: not every refresh rotates it
	ExpiresIn    time.Duration
}
