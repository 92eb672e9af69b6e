// Package handlers exposes the HTTP API: submission and lifecycle of reports,
// the account and leaderboard read views, and operational endpoints.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"ecosentinel/models"
	"ecosentinel/pipeline"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
	defaultListSize        = 50
	maxListSize            = 500
)

// Store is the read/admin slice of storage the handlers use. Implemented by
// database.Database and memstore.Store.
type Store interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	RequestCancel(ctx context.Context, id string) error
	ListReports(ctx context.Context, state models.ReportState, limit int) ([]models.Report, error)
	CountsByState(ctx context.Context) (map[models.ReportState]int, error)
	UnpaidValidated(ctx context.Context, limit int) ([]string, error)
	GetAccount(ctx context.Context, userID string) (*models.Account, int, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
}

// Handlers holds all HTTP handlers.
type Handlers struct {
	store Store
	pipe  *pipeline.Pipeline
}

// NewHandlers creates a new handlers instance.
func NewHandlers(store Store, pipe *pipeline.Pipeline) *Handlers {
	return &Handlers{store: store, pipe: pipe}
}

// SubmitRequest is the submission payload. Image is base64 in the JSON body.
type SubmitRequest struct {
	UserID          string    `json:"user_id" binding:"required"`
	Image           []byte    `json:"image" binding:"required"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Accuracy        float64   `json:"accuracy"`
	Description     string    `json:"description"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// SubmitReport accepts a new report and kicks off processing. The response is
// 202: screening and classification happen asynchronously and the client
// polls GET /reports/:id for the outcome.
func (h *Handlers) SubmitReport(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}

	r, err := h.pipe.Submit(c.Request.Context(), models.Submission{
		UserID:          req.UserID,
		Image:           req.Image,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		Accuracy:        req.Accuracy,
		Description:     req.Description,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		log.Errorf("Failed to submit report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit report"})
		return
	}

	go h.pipe.Process(context.Background(), r.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"id":    r.ID,
		"state": r.State,
	})
}

// GetReport returns a report's lifecycle view. Image bytes are not included.
func (h *Handlers) GetReport(c *gin.Context) {
	r, err := h.store.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		log.Errorf("Failed to get report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}
	r.Image = nil
	c.JSON(http.StatusOK, r)
}

// CancelReport flags a report for cancellation. The pipeline applies the flag
// at its next step boundary, so a report that already reached a terminal
// state keeps it.
func (h *Handlers) CancelReport(c *gin.Context) {
	id := c.Param("id")
	r, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		log.Errorf("Failed to get report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel report"})
		return
	}
	if r.State.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "report already reached a terminal state",
			"state": r.State,
		})
		return
	}

	if err := h.store.RequestCancel(c.Request.Context(), id); err != nil {
		log.Errorf("Failed to request cancel: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel report"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "cancel_requested": true})
}

// ListReports returns recent reports, optionally filtered by state. Admin
// view; images are not included.
func (h *Handlers) ListReports(c *gin.Context) {
	state := models.ReportState(c.Query("state"))
	limit := intQuery(c, "limit", defaultListSize, maxListSize)

	reports, err := h.store.ListReports(c.Request.Context(), state, limit)
	if err != nil {
		log.Errorf("Failed to list reports: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reports"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// GetAccount returns the balance view plus the leaderboard place.
func (h *Handlers) GetAccount(c *gin.Context) {
	acc, place, err := h.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		log.Errorf("Failed to get account: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": acc.UserID,
		"balance": acc.Balance,
		"place":   place,
	})
}

// Leaderboard returns the top accounts by balance.
func (h *Handlers) Leaderboard(c *gin.Context) {
	limit := intQuery(c, "limit", defaultLeaderboardSize, maxLeaderboardSize)

	entries, err := h.store.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		log.Errorf("Failed to get leaderboard: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// HealthCheck returns the health status of the service.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "ecosentinel",
	})
}

// Status reports report counts per state and the unpaid-validated backlog.
func (h *Handlers) Status(c *gin.Context) {
	counts, err := h.store.CountsByState(c.Request.Context())
	if err != nil {
		log.Errorf("Failed to get state counts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get status"})
		return
	}
	unpaid, err := h.store.UnpaidValidated(c.Request.Context(), maxListSize)
	if err != nil {
		log.Errorf("Failed to get unpaid validated reports: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"reports_by_state": counts,
		"unpaid_validated": len(unpaid),
	})
}

func intQuery(c *gin.Context, key string, def, max int) int {
	value := c.Query(key)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
