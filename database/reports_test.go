package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"

	"ecosentinel/models"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
	d    *Database
)

func setUp() {
	db, mock, _ = sqlmock.New()
	d = NewFromDB(db)
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func TestCreateReport(t *testing.T) {
	it(func() {
		now := time.Now()
		r := &models.Report{
			ID:              "r-1",
			UserID:          "0x123",
			Image:           []byte("jpeg"),
			ImageHash:       "abcd",
			Latitude:        12.97,
			Longitude:       77.59,
			Accuracy:        5,
			Description:     "plastic dump",
			ClientTimestamp: now,
			CreatedAt:       now,
			State:           models.StateSubmitted,
		}

		mock.ExpectExec("INSERT INTO reports").
			WithArgs(r.ID, r.UserID, r.Image, r.ImageHash, r.Latitude, r.Longitude,
				r.Accuracy, r.Description, r.ClientTimestamp, r.CreatedAt, "submitted").
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := d.CreateReport(context.Background(), r); err != nil {
			t.Errorf("CreateReport() unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestAdvanceReportCAS(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET state = (.+) WHERE id = (.+) AND state = (.+)").
			WithArgs("filtering", "r-1", "submitted").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := d.AdvanceReport(context.Background(), "r-1", models.StateSubmitted, models.StateFiltering, nil)
		if err != nil {
			t.Errorf("AdvanceReport() unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestAdvanceReportStale(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET state = (.+) WHERE id = (.+) AND state = (.+)").
			WithArgs("filtering", "r-1", "submitted").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT state FROM reports WHERE id = (.+)").
			WithArgs("r-1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("classifying"))

		err := d.AdvanceReport(context.Background(), "r-1", models.StateSubmitted, models.StateFiltering, nil)
		if !errors.Is(err, models.ErrStaleState) {
			t.Errorf("AdvanceReport() error = %v, want ErrStaleState", err)
		}
	})
}

func TestAdvanceReportNotFound(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET state = (.+) WHERE id = (.+) AND state = (.+)").
			WithArgs("filtering", "r-missing", "submitted").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT state FROM reports WHERE id = (.+)").
			WithArgs("r-missing").
			WillReturnError(sql.ErrNoRows)

		err := d.AdvanceReport(context.Background(), "r-missing", models.StateSubmitted, models.StateFiltering, nil)
		if !errors.Is(err, models.ErrReportNotFound) {
			t.Errorf("AdvanceReport() error = %v, want ErrReportNotFound", err)
		}
	})
}

func TestAdvanceReportWithPayload(t *testing.T) {
	it(func() {
		award := int64(50)
		payload := &models.AdvancePayload{
			Priority:     models.PriorityHigh,
			AwardedCoins: &award,
		}

		mock.ExpectExec("UPDATE reports SET state = (.+), priority = (.+), awarded_coins = (.+) WHERE id = (.+) AND state = (.+)").
			WithArgs("validated", "high", award, "r-1", "classified").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := d.AdvanceReport(context.Background(), "r-1", models.StateClassified, models.StateValidated, payload)
		if err != nil {
			t.Errorf("AdvanceReport() unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestFailedReports(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT id FROM reports WHERE state = (.+) ORDER BY created_at ASC LIMIT (.+)").
			WithArgs("classification_failed", 10).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1").AddRow("r-2"))

		ids, err := d.FailedReports(context.Background(), 10)
		if err != nil {
			t.Errorf("FailedReports() unexpected error: %v", err)
		}
		if len(ids) != 2 || ids[0] != "r-1" || ids[1] != "r-2" {
			t.Errorf("FailedReports() = %v, want [r-1 r-2]", ids)
		}
	})
}

func TestStaleReports(t *testing.T) {
	it(func() {
		cutoff := time.Now().Add(-5 * time.Minute)
		mock.ExpectQuery("SELECT id FROM reports WHERE state IN (.+) AND created_at <= (.+) ORDER BY created_at ASC LIMIT (.+)").
			WithArgs("submitted", "filtering", "filtering_passed", "classifying", cutoff, 10).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1"))

		ids, err := d.StaleReports(context.Background(), cutoff, 10)
		if err != nil {
			t.Errorf("StaleReports() unexpected error: %v", err)
		}
		if len(ids) != 1 || ids[0] != "r-1" {
			t.Errorf("StaleReports() = %v, want [r-1]", ids)
		}
	})
}

func TestUnpaidValidated(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT r.id FROM reports r LEFT JOIN ledger_events e ON e.event_id = r.id WHERE r.state = (.+) AND r.awarded_coins > 0 AND e.event_id IS NULL").
			WithArgs("validated", 10).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-unpaid"))

		ids, err := d.UnpaidValidated(context.Background(), 10)
		if err != nil {
			t.Errorf("UnpaidValidated() unexpected error: %v", err)
		}
		if len(ids) != 1 || ids[0] != "r-unpaid" {
			t.Errorf("UnpaidValidated() = %v, want [r-unpaid]", ids)
		}
	})
}

func TestCountAcceptedSince(t *testing.T) {
	it(func() {
		since := time.Now().Add(-time.Hour)
		mock.ExpectQuery("SELECT COUNT(.+) FROM reports WHERE user_id = (.+) AND created_at >= (.+) AND state NOT IN (.+)").
			WithArgs("0x123", since, "submitted", "filtering", "rejected_duplicate").
			WillReturnRows(sqlmock.NewRows([]string{"cnt"}).AddRow(3))

		cnt, err := d.CountAcceptedSince(context.Background(), "0x123", since)
		if err != nil {
			t.Errorf("CountAcceptedSince() unexpected error: %v", err)
		}
		if cnt != 3 {
			t.Errorf("CountAcceptedSince() = %d, want 3", cnt)
		}
	})
}
