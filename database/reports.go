package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ecosentinel/filter"
	"ecosentinel/models"
)

// CreateReport inserts a new report in its initial state.
func (d *Database) CreateReport(ctx context.Context, r *models.Report) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO reports
		  (id, user_id, image, image_hash, latitude, longitude, accuracy, description, client_ts, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Image, r.ImageHash, r.Latitude, r.Longitude, r.Accuracy,
		r.Description, r.ClientTimestamp, r.CreatedAt, string(r.State))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// AdvanceReport moves a report from expected to next state with
// compare-and-swap semantics: if the stored state differs from expected, no
// write happens and ErrStaleState is returned. Payload fields, when set, are
// written in the same statement as the transition.
func (d *Database) AdvanceReport(ctx context.Context, id string, expected, next models.ReportState, payload *models.AdvancePayload) error {
	sets := []string{"state = ?"}
	args := []any{string(next)}

	if payload != nil {
		if payload.Verdict != nil {
			sets = append(sets,
				"verdict_authentic = ?", "verdict_category = ?",
				"verdict_confidence = ?", "verdict_notes = ?")
			args = append(args, payload.Verdict.Authentic, string(payload.Verdict.Category),
				payload.Verdict.Confidence, payload.Verdict.Notes)
		}
		if payload.Priority != "" {
			sets = append(sets, "priority = ?")
			args = append(args, string(payload.Priority))
		}
		if payload.AwardedCoins != nil {
			sets = append(sets, "awarded_coins = ?")
			args = append(args, *payload.AwardedCoins)
		}
		if payload.Reason != "" {
			sets = append(sets, "reason = ?")
			args = append(args, string(payload.Reason))
		}
	}

	args = append(args, id, string(expected))
	query := fmt.Sprintf("UPDATE reports SET %s WHERE id = ? AND state = ?", strings.Join(sets, ", "))

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance report %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance report %s: rows affected: %w", id, err)
	}
	if rows == 1 {
		return nil
	}

	// Nothing matched: either the report is gone or another worker advanced
	// it first.
	var current string
	err = d.db.QueryRowContext(ctx, `SELECT state FROM reports WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return models.ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("advance report %s: recheck: %w", id, err)
	}
	return models.ErrStaleState
}

// GetReport fetches a report including its image bytes.
func (d *Database) GetReport(ctx context.Context, id string) (*models.Report, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, image, image_hash, latitude, longitude, accuracy, description,
		       client_ts, created_at, state,
		       verdict_authentic, verdict_category, verdict_confidence, verdict_notes,
		       priority, awarded_coins, cancel_requested, reason
		FROM reports WHERE id = ?`, id)
	return scanReport(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*models.Report, error) {
	var (
		r            models.Report
		state        string
		authentic    sql.NullBool
		category     sql.NullString
		confidence   sql.NullFloat64
		notes        sql.NullString
		priority     string
		awardedCoins sql.NullInt64
		reason       string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Image, &r.ImageHash, &r.Latitude, &r.Longitude,
		&r.Accuracy, &r.Description, &r.ClientTimestamp, &r.CreatedAt, &state,
		&authentic, &category, &confidence, &notes, &priority, &awardedCoins,
		&r.CancelRequested, &reason)
	if err == sql.ErrNoRows {
		return nil, models.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}

	r.State = models.ReportState(state)
	r.Priority = models.Priority(priority)
	r.Reason = models.RejectReason(reason)
	if authentic.Valid {
		r.Verdict = &models.Verdict{
			Authentic:  authentic.Bool,
			Category:   models.ThreatCategory(category.String),
			Confidence: confidence.Float64,
			Notes:      notes.String,
		}
	}
	if awardedCoins.Valid {
		v := awardedCoins.Int64
		r.AwardedCoins = &v
	}
	return &r, nil
}

// RequestCancel flags a report for cancellation. The pipeline observes the
// flag at the next step boundary.
func (d *Database) RequestCancel(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE reports SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel %s: rows affected: %w", id, err)
	}
	if rows == 0 {
		return models.ErrReportNotFound
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (d *Database) CancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := d.db.QueryRowContext(ctx, `SELECT cancel_requested FROM reports WHERE id = ?`, id).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, models.ErrReportNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel flag %s: %w", id, err)
	}
	return cancelled, nil
}

// FailedReports lists reports parked as classification_failed, oldest first,
// for the re-drive sweep.
func (d *Database) FailedReports(ctx context.Context, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM reports WHERE state = ? ORDER BY created_at ASC LIMIT ?`,
		string(models.StateClassificationFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed reports: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed reports: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleReports lists reports sitting in a non-terminal intermediate state
// since before the cutoff, oldest first, for the resume sweep.
func (d *Database) StaleReports(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM reports
		WHERE state IN (?, ?, ?, ?) AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		string(models.StateSubmitted), string(models.StateFiltering),
		string(models.StateFilteringPassed), string(models.StateClassifying),
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("stale reports: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("stale reports: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReports returns reports, newest first, optionally restricted to one
// state. Images are not included.
func (d *Database) ListReports(ctx context.Context, state models.ReportState, limit int) ([]models.Report, error) {
	query := `
		SELECT id, user_id, image_hash, latitude, longitude, accuracy, description,
		       client_ts, created_at, state, priority, awarded_coins, reason
		FROM reports`
	args := []any{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []models.Report{}
	for rows.Next() {
		var (
			r            models.Report
			st, pr, rs   string
			awardedCoins sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ImageHash, &r.Latitude, &r.Longitude,
			&r.Accuracy, &r.Description, &r.ClientTimestamp, &r.CreatedAt,
			&st, &pr, &awardedCoins, &rs); err != nil {
			return nil, fmt.Errorf("list reports: scan: %w", err)
		}
		r.State = models.ReportState(st)
		r.Priority = models.Priority(pr)
		r.Reason = models.RejectReason(rs)
		if awardedCoins.Valid {
			v := awardedCoins.Int64
			r.AwardedCoins = &v
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CountsByState returns how many reports sit in each lifecycle state.
func (d *Database) CountsByState(ctx context.Context) (map[models.ReportState]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM reports GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counts by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ReportState]int)
	for rows.Next() {
		var state string
		var cnt int
		if err := rows.Scan(&state, &cnt); err != nil {
			return nil, fmt.Errorf("counts by state: scan: %w", err)
		}
		counts[models.ReportState(state)] = cnt
	}
	return counts, rows.Err()
}

// UnpaidValidated lists validated reports that never produced a ledger
// event, flagged for reconciliation.
func (d *Database) UnpaidValidated(ctx context.Context, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.id
		FROM reports r LEFT JOIN ledger_events e ON e.event_id = r.id
		WHERE r.state = ? AND r.awarded_coins > 0 AND e.event_id IS NULL
		ORDER BY r.created_at ASC LIMIT ?`,
		string(models.StateValidated), limit)
	if err != nil {
		return nil, fmt.Errorf("unpaid validated: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unpaid validated: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountAcceptedSince implements filter.History: submissions that passed
// screening, i.e. anything past the filtering stages except rejections.
func (d *Database) CountAcceptedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var cnt int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE user_id = ? AND created_at >= ? AND state NOT IN (?, ?, ?)`,
		userID, since,
		string(models.StateSubmitted), string(models.StateFiltering),
		string(models.StateRejectedDuplicate)).Scan(&cnt)
	if err != nil {
		return 0, fmt.Errorf("count accepted: %w", err)
	}
	return cnt, nil
}

// RecentActiveNearby implements filter.History: the user's validated or
// classifying reports inside the duplicate time window.
func (d *Database) RecentActiveNearby(ctx context.Context, userID string, since time.Time) ([]filter.ReportLocation, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, created_at FROM reports
		WHERE user_id = ? AND created_at >= ? AND state IN (?, ?)`,
		userID, since,
		string(models.StateValidated), string(models.StateClassifying))
	if err != nil {
		return nil, fmt.Errorf("recent nearby: %w", err)
	}
	defer rows.Close()

	var locs []filter.ReportLocation
	for rows.Next() {
		var loc filter.ReportLocation
		if err := rows.Scan(&loc.ReportID, &loc.Latitude, &loc.Longitude, &loc.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent nearby: scan: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// ImageHashExists implements filter.History.
func (d *Database) ImageHashExists(ctx context.Context, hash string) (bool, error) {
	var cnt int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE image_hash = ?`, hash).Scan(&cnt)
	if err != nil {
		return false, fmt.Errorf("image hash lookup: %w", err)
	}
	return cnt > 0, nil
}
