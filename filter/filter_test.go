package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecosentinel/models"
)

// fakeHistory records which lookups were consulted so ordering and
// short-circuiting can be asserted.
type fakeHistory struct {
	accepted   int
	nearby     []ReportLocation
	hashExists bool

	rateLimitChecked bool
	nearbyChecked    bool
	hashChecked      bool
}

func (h *fakeHistory) CountAcceptedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	h.rateLimitChecked = true
	return h.accepted, nil
}

func (h *fakeHistory) RecentActiveNearby(ctx context.Context, userID string, since time.Time) ([]ReportLocation, error) {
	h.nearbyChecked = true
	return h.nearby, nil
}

func (h *fakeHistory) ImageHashExists(ctx context.Context, hash string) (bool, error) {
	h.hashChecked = true
	return h.hashExists, nil
}

func testSubmission() models.Submission {
	return models.Submission{
		UserID:    "0xabc",
		ImageHash: "deadbeef",
		Latitude:  12.9716,
		Longitude: 77.5946,
	}
}

func TestScreenAccepts(t *testing.T) {
	h := &fakeHistory{}
	f := New(h, Config{})

	d, err := f.Screen(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestScreenRateLimited(t *testing.T) {
	h := &fakeHistory{accepted: 5}
	f := New(h, Config{RateLimitCount: 5})

	d, err := f.Screen(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.ReasonRateLimited, d.Reason)
	// rate limit short-circuits the later checks
	assert.False(t, h.nearbyChecked)
	assert.False(t, h.hashChecked)
}

func TestScreenUnderRateLimitProceeds(t *testing.T) {
	h := &fakeHistory{accepted: 4}
	f := New(h, Config{RateLimitCount: 5})

	d, err := f.Screen(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestScreenSpatialDuplicate(t *testing.T) {
	sub := testSubmission()

	// ~0.0002 degrees of latitude is roughly 22 meters
	h := &fakeHistory{nearby: []ReportLocation{
		{ReportID: "r1", Latitude: sub.Latitude + 0.0002, Longitude: sub.Longitude, CreatedAt: time.Now()},
	}}
	f := New(h, Config{DuplicateRadiusMeters: 25})

	d, err := f.Screen(context.Background(), sub)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.ReasonLikelyDuplicate, d.Reason)
	assert.False(t, h.hashChecked)
}

func TestScreenOutsideRadiusAccepted(t *testing.T) {
	sub := testSubmission()

	// ~0.0004 degrees of latitude is roughly 44 meters, outside the 25m radius
	h := &fakeHistory{nearby: []ReportLocation{
		{ReportID: "r1", Latitude: sub.Latitude + 0.0004, Longitude: sub.Longitude, CreatedAt: time.Now()},
	}}
	f := New(h, Config{DuplicateRadiusMeters: 25})

	d, err := f.Screen(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestScreenImageDuplicate(t *testing.T) {
	h := &fakeHistory{hashExists: true}
	f := New(h, Config{})

	d, err := f.Screen(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, models.ReasonDuplicateImage, d.Reason)
	assert.True(t, h.rateLimitChecked)
	assert.True(t, h.nearbyChecked)
}

func TestScreenWindowCutoffs(t *testing.T) {
	h := &fakeHistory{}
	f := New(h, Config{RateLimitWindow: time.Hour, DuplicateWindow: 10 * time.Minute})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	var rateSince, dupSince time.Time
	f.history = &cutoffHistory{rateSince: &rateSince, dupSince: &dupSince}

	_, err := f.Screen(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(-time.Hour), rateSince)
	assert.Equal(t, fixed.Add(-10*time.Minute), dupSince)
}

type cutoffHistory struct {
	rateSince *time.Time
	dupSince  *time.Time
}

func (h *cutoffHistory) CountAcceptedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	*h.rateSince = since
	return 0, nil
}

func (h *cutoffHistory) RecentActiveNearby(ctx context.Context, userID string, since time.Time) ([]ReportLocation, error) {
	*h.dupSince = since
	return nil, nil
}

func (h *cutoffHistory) ImageHashExists(ctx context.Context, hash string) (bool, error) {
	return false, nil
}
