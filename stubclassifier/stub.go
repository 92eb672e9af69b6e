// Package stubclassifier is a deterministic, no-network classifier intended
// for CI and local end-to-end runs. It returns schema-valid verdicts so the
// full pipeline (screening, resolution, ledger writes) can be exercised
// without a Gemini key.
package stubclassifier

import (
	"context"
	"crypto/sha256"
	"sync/atomic"

	"ecosentinel/models"
)

type Client struct {
	// Verdict, when set, is returned for every call.
	Verdict *models.Verdict
	// Err, when set, is returned for every call (wrap a classifier sentinel).
	Err error

	calls int64
}

func NewClient() *Client { return &Client{} }

func (c *Client) SourceName() string { return "Stub" }

// Calls reports how many times Classify has been invoked. Tests assert on it
// to prove screening rejections never spend a classifier call.
func (c *Client) Calls() int64 { return atomic.LoadInt64(&c.calls) }

func (c *Client) Classify(ctx context.Context, image []byte, locationHint, description string) (*models.Verdict, error) {
	atomic.AddInt64(&c.calls, 1)

	if c.Err != nil {
		return nil, c.Err
	}
	if c.Verdict != nil {
		v := *c.Verdict
		return &v, nil
	}

	// Deterministic per-input default so repeated runs are stable.
	sum := sha256.Sum256(append([]byte(description), image...))
	categories := []models.ThreatCategory{
		models.CategoryDeforestation,
		models.CategoryPollution,
		models.CategoryEncroachment,
		models.CategoryEcosystemStress,
	}
	return &models.Verdict{
		Authentic:  true,
		Category:   categories[int(sum[0])%len(categories)],
		Confidence: 0.5 + float64(sum[1])/512.0,
		Notes:      "stubbed verdict",
	}, nil
}
