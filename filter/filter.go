// Package filter screens submissions for fraud and duplicates before any
// classifier call is spent. The checks run in a fixed order and short-circuit
// on the first rejection: the external classifier is the expensive,
// rate-limited resource and must only see screened submissions.
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/geo/s2"

	"ecosentinel/models"
)

const earthRadiusMeters = 6371010.0

// ReportLocation is a prior report's position in time and space, as needed
// by the duplicate check.
type ReportLocation struct {
	ReportID  string
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
}

// History is the slice of the report ledger the filter reads. Implemented by
// the database and the in-memory store.
type History interface {
	// CountAcceptedSince counts the user's submissions that passed screening
	// (any state past filtering except rejected_duplicate) since the cutoff.
	CountAcceptedSince(ctx context.Context, userID string, since time.Time) (int, error)
	// RecentActiveNearby returns the user's validated or classifying reports
	// created since the cutoff. The filter applies the radius check itself.
	RecentActiveNearby(ctx context.Context, userID string, since time.Time) ([]ReportLocation, error)
	// ImageHashExists reports whether any prior report carries the hash.
	ImageHashExists(ctx context.Context, hash string) (bool, error)
}

// Config carries the screening thresholds. Zero values are replaced by the
// product defaults.
type Config struct {
	RateLimitCount        int
	RateLimitWindow       time.Duration
	DuplicateRadiusMeters float64
	DuplicateWindow       time.Duration
}

// Decision is the outcome of screening one submission.
type Decision struct {
	Accepted bool
	Reason   models.RejectReason
}

type Filter struct {
	history History
	cfg     Config
	now     func() time.Time
}

func New(history History, cfg Config) *Filter {
	if cfg.RateLimitCount <= 0 {
		cfg.RateLimitCount = 5
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Hour
	}
	if cfg.DuplicateRadiusMeters <= 0 {
		cfg.DuplicateRadiusMeters = 25
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 10 * time.Minute
	}
	return &Filter{
		history: history,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Screen runs the checks in order: rate limit, spatial/temporal duplicate,
// image duplicate. The first failing check decides the rejection reason.
func (f *Filter) Screen(ctx context.Context, sub models.Submission) (Decision, error) {
	now := f.now()

	accepted, err := f.history.CountAcceptedSince(ctx, sub.UserID, now.Add(-f.cfg.RateLimitWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit lookup: %w", err)
	}
	if accepted >= f.cfg.RateLimitCount {
		return Decision{Reason: models.ReasonRateLimited}, nil
	}

	nearby, err := f.history.RecentActiveNearby(ctx, sub.UserID, now.Add(-f.cfg.DuplicateWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("duplicate lookup: %w", err)
	}
	for _, loc := range nearby {
		if distanceMeters(sub.Latitude, sub.Longitude, loc.Latitude, loc.Longitude) <= f.cfg.DuplicateRadiusMeters {
			return Decision{Reason: models.ReasonLikelyDuplicate}, nil
		}
	}

	exists, err := f.history.ImageHashExists(ctx, sub.ImageHash)
	if err != nil {
		return Decision{}, fmt.Errorf("image hash lookup: %w", err)
	}
	if exists {
		return Decision{Reason: models.ReasonDuplicateImage}, nil
	}

	return Decision{Accepted: true}, nil
}

// distanceMeters is the great-circle distance between two coordinates.
func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * earthRadiusMeters
}
