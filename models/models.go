package models

import (
	"time"
)

// ReportState is the lifecycle state of a report. Only the submission
// pipeline transitions a report between states.
type ReportState string

const (
	StateSubmitted            ReportState = "submitted"
	StateFiltering            ReportState = "filtering"
	StateRejectedDuplicate    ReportState = "rejected_duplicate"
	StateFilteringPassed      ReportState = "filtering_passed"
	StateClassifying          ReportState = "classifying"
	StateClassificationFailed ReportState = "classification_failed"
	StateClassified           ReportState = "classified"
	StateValidated            ReportState = "validated"
	StateInvalid              ReportState = "invalid"
)

// Terminal reports whether no further pipeline step applies to the state.
// classification_failed is terminal for a single run but re-drivable by the
// scheduled sweep.
func (s ReportState) Terminal() bool {
	switch s {
	case StateRejectedDuplicate, StateClassificationFailed, StateValidated, StateInvalid:
		return true
	}
	return false
}

// ThreatCategory is the classifier's threat classification of an image.
type ThreatCategory string

const (
	CategoryDeforestation   ThreatCategory = "deforestation"
	CategoryPollution       ThreatCategory = "pollution"
	CategoryEncroachment    ThreatCategory = "encroachment"
	CategoryEcosystemStress ThreatCategory = "ecosystem_stress"
	CategoryOther           ThreatCategory = "other"
	CategoryNoneDetected    ThreatCategory = "none_detected"
)

// Priority is the urgency tier assigned to a validated report.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// RejectReason is the human-readable reason attached to a terminally
// rejected or invalidated report.
type RejectReason string

const (
	ReasonRateLimited        RejectReason = "RateLimited"
	ReasonLikelyDuplicate    RejectReason = "LikelyDuplicate"
	ReasonDuplicateImage     RejectReason = "DuplicateImage"
	ReasonCancelled          RejectReason = "Cancelled"
	ReasonClassifierRejected RejectReason = "ClassifierRejected"
	ReasonNotAuthentic       RejectReason = "NotAuthentic"
)

// Verdict is the normalized result of classifying a submitted image.
type Verdict struct {
	Authentic  bool           `json:"authentic"`
	Category   ThreatCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Notes      string         `json:"notes"`
}

// Submission is a raw inbound report before it is persisted.
type Submission struct {
	UserID          string    `json:"user_id"`
	Image           []byte    `json:"image"`
	ImageHash       string    `json:"image_hash"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Accuracy        float64   `json:"accuracy"`
	Description     string    `json:"description"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Report is the persisted record of a submission and its lifecycle.
type Report struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	ImageHash       string       `json:"image_hash"`
	Image           []byte       `json:"image,omitempty"`
	Latitude        float64      `json:"latitude"`
	Longitude       float64      `json:"longitude"`
	Accuracy        float64      `json:"accuracy"`
	Description     string       `json:"description"`
	ClientTimestamp time.Time    `json:"client_timestamp"`
	CreatedAt       time.Time    `json:"created_at"`
	State           ReportState  `json:"state"`
	Verdict         *Verdict     `json:"verdict,omitempty"`
	Priority        Priority     `json:"priority,omitempty"`
	AwardedCoins    *int64       `json:"awarded_coins,omitempty"`
	CancelRequested bool         `json:"cancel_requested"`
	Reason          RejectReason `json:"reason,omitempty"`
}

// AdvancePayload carries the fields written alongside a state transition.
// Nil fields are left untouched.
type AdvancePayload struct {
	Verdict      *Verdict
	Priority     Priority
	AwardedCoins *int64
	Reason       RejectReason
}

// Account holds a user's EcoCoin balance. Version increases on every
// balance mutation and guards optimistic concurrency.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEvent is the immutable audit record of a balance mutation. EventID
// is the causing report id for credits, or a synthetic id for debits; its
// uniqueness is the idempotency guard.
type LedgerEvent struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaderboardEntry is one row of the leaderboard read view.
type LeaderboardEntry struct {
	Place   int    `json:"place"`
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
