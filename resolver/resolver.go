// Package resolver maps a classification verdict to a priority tier and an
// EcoCoin award. Resolve is pure: no I/O, no randomness, total over the
// verdict space.
package resolver

import (
	"ecosentinel/models"
)

// Confidence thresholds for the priority tiers.
const (
	highConfidence   = 0.85
	mediumConfidence = 0.5
)

type Resolver struct {
	awards map[models.Priority]int64
}

// New creates a resolver with the given priority→award table. Missing tiers
// award zero; the table is copied so later config mutation cannot leak in.
func New(awards map[models.Priority]int64) *Resolver {
	table := make(map[models.Priority]int64, len(awards))
	for p, a := range awards {
		table[p] = a
	}
	return &Resolver{awards: table}
}

// Resolve returns the priority and EcoCoin award for a verdict. A verdict
// that is not authentic or detected nothing resolves to (none, 0); the
// caller invalidates the report.
func (r *Resolver) Resolve(v models.Verdict) (models.Priority, int64) {
	if !v.Authentic || v.Category == models.CategoryNoneDetected {
		return models.PriorityNone, 0
	}

	var priority models.Priority
	switch {
	case v.Confidence >= highConfidence:
		priority = models.PriorityHigh
	case v.Confidence >= mediumConfidence:
		priority = models.PriorityMedium
	default:
		priority = models.PriorityLow
	}

	return priority, r.awards[priority]
}
