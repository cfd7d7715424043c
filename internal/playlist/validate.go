package playlist

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kvass-analytics/ingestor/internal/models"
)

const maxCoverImageBytes = 256 * 1024

// ValidationError is a user-facing rejection of a creation request; the
// HTTP layer maps it to a 400.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "playlist: " + e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Validate enforces the method-specific parameter rules before a job row
// is ever created: required fields per creation method, the 365-day
// TOP_K_RECENT window, and the cover image's size and magic bytes.
func (p CreateParams) Validate() error {
	if p.Name == "" {
		return invalid("name is required")
	}

	switch p.CreationMethod {
	case models.MethodShuffle:
		if p.SourcePlaylistID == nil || *p.SourcePlaylistID == "" {
			return invalid("shuffle requires sourcePlaylistId")
		}
	case models.MethodTopKRecent:
		if p.KValue == nil || *p.KValue < 1 {
			return invalid("topKRecent requires a positive kValue")
		}
		if *p.KValue > maxTracks {
			return invalid("kValue exceeds the maximum of %d", maxTracks)
		}
		if p.StartDate != nil && p.EndDate != nil {
			if p.EndDate.Before(*p.StartDate) {
				return invalid("endDate precedes startDate")
			}
			if p.EndDate.Sub(*p.StartDate) > recentMaxWindow {
				return invalid("date window exceeds the %d-day maximum", int(recentMaxWindow/(24*time.Hour)))
			}
		}
	case models.MethodTop50Short, models.MethodTop50Medium, models.MethodTop50Long, models.MethodTop50AllTime:
	default:
		return invalid("unknown creation method %q", p.CreationMethod)
	}

	if p.CoverImageBase64 != nil {
		if err := validateCoverImage(*p.CoverImageBase64); err != nil {
			return err
		}
	}
	return nil
}

// validateCoverImage checks base64 validity, the raw-size cap, and the
// PNG/JPEG magic bytes, so the worker's upload step never has to reject a
// payload the user could have been told about at request time.
func validateCoverImage(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return invalid("cover image is not valid base64")
	}
	if len(raw) > maxCoverImageBytes {
		return invalid("cover image exceeds %d bytes raw", maxCoverImageBytes)
	}
	switch http.DetectContentType(raw) {
	case "image/png", "image/jpeg":
		return nil
	default:
		return invalid("cover image must be PNG or JPEG")
	}
}

// IsValidationError reports whether err is a request-validation failure.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
