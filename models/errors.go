package models

import "errors"

var (
	// ErrStaleState is returned by a compare-and-swap state transition when
	// the stored state no longer matches the caller's expectation. Expected
	// under concurrency; callers abort without side effects.
	ErrStaleState = errors.New("stale report state")

	// ErrReportNotFound is returned when a report id is unknown.
	ErrReportNotFound = errors.New("report not found")

	// ErrAccountNotFound is returned when a balance mutation targets an
	// unknown account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned by debits that would drive a
	// balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
