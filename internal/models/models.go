// Package models holds the domain entities shared across the ingestion and
// aggregation engine. They mirror the tables in schema.sql.
package models

import "time"

// Term is a fixed time window over which top-N lists are computed by the
// provider.
type Term string

const (
	TermShort  Term = "SHORT"
	TermMedium Term = "MEDIUM"
	TermLong   Term = "LONG"
)

// EventSource distinguishes plays pulled from the live API from plays
// backfilled via an offline import.
type EventSource string

const (
	SourceAPI    EventSource = "api"
	SourceImport EventSource = "import"
)

// BucketType enumerates the time-bucket granularities tracked for a user.
// Only DAY is currently populated.
type BucketType string

const BucketDay BucketType = "DAY"

// User is created at first OAuth login and updated by the ingestion and
// top-stats pipelines.
type User struct {
	ID                  string
	ProviderID          string
	DisplayName         string
	ImageURL            *string
	Country             *string
	CreatedAt           time.Time
	LastLoginAt         *time.Time
	LastIngestedAt      *time.Time
	TopStatsRefreshedAt *time.Time
}

// AuthRecord stores the encrypted refresh token and its failure bookkeeping.
type AuthRecord struct {
	UserID              string
	RefreshTokenCipher  []byte
	LastRefreshAt       time.Time
	IsValid             bool
	ConsecutiveFailures int
}

// Settings carries the one dial that affects aggregation: the user's
// IANA timezone, used to compute local-day buckets.
type Settings struct {
	UserID          string
	Timezone        string
	IsPublicProfile bool
}

// Artist is a catalog entity keyed by the provider's opaque id.
type Artist struct {
	ID         string
	ProviderID string
	Name       string
	ImageURL   *string
}

// Album is a catalog entity keyed by the provider's opaque id.
type Album struct {
	ID         string
	ProviderID string
	Name       string
	ImageURL   *string
}

// Track is a catalog entity keyed by the provider's opaque id, with a
// multi-valued join to artists and an optional single album.
type Track struct {
	ID         string
	ProviderID string
	Name       string
	DurationMs int64
	PreviewURL *string
	AlbumID    *string
	ArtistIDs  []string
}

// ListeningEvent is unique by (UserID, TrackID, PlayedAt) and is partitioned
// by month of PlayedAt in storage.
type ListeningEvent struct {
	UserID      string
	TrackID     string
	PlayedAt    time.Time
	MsPlayed    int64
	IsEstimated bool
	Source      EventSource
}

// UserTrackStats is the per-user, per-track running total.
type UserTrackStats struct {
	UserID       string
	TrackID      string
	PlayCount    int64
	TotalMs      int64
	LastPlayedAt *time.Time
}

// UserArtistStats is the per-user, per-artist running total.
type UserArtistStats struct {
	UserID    string
	ArtistID  string
	PlayCount int64
	TotalMs   int64
}

// UserTimeBucketStats aggregates plays into local-calendar-day buckets.
type UserTimeBucketStats struct {
	UserID       string
	BucketType   BucketType
	BucketDate   time.Time
	PlayCount    int64
	TotalMs      int64
	UniqueTracks int64
}

// UserHourStats aggregates plays into UTC hour-of-day buckets (0..23).
type UserHourStats struct {
	UserID    string
	Hour      int
	PlayCount int64
	TotalMs   int64
}

// TopEntryKind distinguishes the two ranked lists every term carries:
// both run 1..k independently, so kind is part of the row's identity.
type TopEntryKind string

const (
	TopKindTrack  TopEntryKind = "track"
	TopKindArtist TopEntryKind = "artist"
)

// TopEntry is one ranked row within a user's top-N list for a term.
type TopEntry struct {
	UserID   string
	Term     Term
	Kind     TopEntryKind
	Rank     int
	TrackID  *string
	ArtistID *string
}

// CreationMethod enumerates how a playlist's tracks are sourced.
type CreationMethod string

const (
	MethodShuffle      CreationMethod = "SHUFFLE"
	MethodTop50Short   CreationMethod = "TOP_50_SHORT"
	MethodTop50Medium  CreationMethod = "TOP_50_MEDIUM"
	MethodTop50Long    CreationMethod = "TOP_50_LONG"
	MethodTop50AllTime CreationMethod = "TOP_50_ALL_TIME"
	MethodTopKRecent   CreationMethod = "TOP_K_RECENT"
)

// PlaylistStatus is the lifecycle state of a PlaylistJob.
type PlaylistStatus string

const (
	PlaylistPending      PlaylistStatus = "PENDING"
	PlaylistCreating     PlaylistStatus = "CREATING"
	PlaylistAddingTracks PlaylistStatus = "ADDING_TRACKS"
	PlaylistUploadingImg PlaylistStatus = "UPLOADING_IMAGE"
	PlaylistCompleted    PlaylistStatus = "COMPLETED"
	PlaylistFailed       PlaylistStatus = "FAILED"
)

// PlaylistJob is the durable record of a long-running playlist creation.
// Queue entries are weak references to this row by ID (see I6, §4.10).
type PlaylistJob struct {
	ID                 string
	UserID             string
	IdempotencyKey     string
	CreationMethod     CreationMethod
	Name               string
	IsPublic           bool
	SourcePlaylistID   *string
	ShuffleMode        *string
	KValue             *int
	StartDate          *time.Time
	EndDate            *time.Time
	CoverImageBase64   *string
	Status             PlaylistStatus
	TotalTracks        int
	AddedTracks        int
	EstimatedTracks    int
	SpotifyPlaylistID  *string
	SpotifyPlaylistURL *string
	ErrorMessage       *string
	RetryCount         int
	RateLimitDelays    int
	LastHeartbeatAt    time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
}

// ImportStatus is the lifecycle state of an offline bulk-file ImportJob.
type ImportStatus string

const (
	ImportPending    ImportStatus = "PENDING"
	ImportProcessing ImportStatus = "PROCESSING"
	ImportCompleted  ImportStatus = "COMPLETED"
	ImportFailed     ImportStatus = "FAILED"
)

// ImportJob tracks an offline bulk-file import of listening history.
type ImportJob struct {
	ID        string
	UserID    string
	Status    ImportStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
