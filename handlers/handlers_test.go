package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecosentinel/config"
	"ecosentinel/filter"
	"ecosentinel/memstore"
	"ecosentinel/models"
	"ecosentinel/pipeline"
	"ecosentinel/resolver"
	"ecosentinel/stubclassifier"
)

type testEnv struct {
	store  *memstore.Store
	stub   *stubclassifier.Client
	router *gin.Engine
}

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	stub := stubclassifier.NewClient()
	pipe := pipeline.New(store, store, filter.New(store, filter.Config{}),
		stub, resolver.New(config.DefaultAwardTable()), nil, pipeline.Config{})

	h := NewHandlers(store, pipe)
	router := gin.New()
	api := router.Group("/api/v3")
	{
		api.POST("/reports", h.SubmitReport)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:id", h.GetReport)
		api.POST("/reports/:id/cancel", h.CancelReport)
		api.GET("/accounts/:id", h.GetAccount)
		api.GET("/leaderboard", h.Leaderboard)
		api.GET("/health", h.HealthCheck)
		api.GET("/status", h.Status)
	}

	return &testEnv{store: store, stub: stub, router: router}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestSubmitReport(t *testing.T) {
	e := newTestEnv()
	e.stub.Verdict = &models.Verdict{
		Authentic:  true,
		Category:   models.CategoryDeforestation,
		Confidence: 0.9,
	}

	w := e.do(http.MethodPost, "/api/v3/reports", SubmitRequest{
		UserID:          "0xabc",
		Image:           []byte("jpeg-bytes"),
		Latitude:        12.97,
		Longitude:       77.59,
		Accuracy:        5,
		Description:     "cleared patch by the river",
		ClientTimestamp: time.Now(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, "submitted", resp.State)

	// Processing is asynchronous; poll until the report settles.
	require.Eventually(t, func() bool {
		r, err := e.store.GetReport(context.Background(), resp.ID)
		return err == nil && r.State == models.StateValidated
	}, 2*time.Second, 10*time.Millisecond)

	w = e.do(http.MethodGet, "/api/v3/reports/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var r models.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	assert.Equal(t, models.StateValidated, r.State)
	assert.Equal(t, models.PriorityHigh, r.Priority)
	assert.Empty(t, r.Image, "report view must not include image bytes")
}

func TestSubmitReportValidation(t *testing.T) {
	e := newTestEnv()

	w := e.do(http.MethodPost, "/api/v3/reports", SubmitRequest{
		UserID: "0xabc",
		// no image
		Latitude:  12.97,
		Longitude: 77.59,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/v3/reports", SubmitRequest{
		UserID:    "0xabc",
		Image:     []byte("jpeg-bytes"),
		Latitude:  123.0, // out of range
		Longitude: 77.59,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReportNotFound(t *testing.T) {
	e := newTestEnv()
	w := e.do(http.MethodGet, "/api/v3/reports/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelReport(t *testing.T) {
	e := newTestEnv()
	err := e.store.CreateReport(context.Background(), &models.Report{
		ID:        "r-1",
		UserID:    "0xabc",
		CreatedAt: time.Now(),
		State:     models.StateSubmitted,
	})
	require.NoError(t, err)

	w := e.do(http.MethodPost, "/api/v3/reports/r-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	cancelled, err := e.store.CancelRequested(context.Background(), "r-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCancelTerminalReportConflicts(t *testing.T) {
	e := newTestEnv()
	err := e.store.CreateReport(context.Background(), &models.Report{
		ID:        "r-1",
		UserID:    "0xabc",
		CreatedAt: time.Now(),
		State:     models.StateValidated,
	})
	require.NoError(t, err)

	w := e.do(http.MethodPost, "/api/v3/reports/r-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLeaderboard(t *testing.T) {
	e := newTestEnv()
	for _, seed := range []struct {
		userID string
		coins  int64
	}{
		{"0xaaa", 150},
		{"0xbbb", 70},
		{"0xccc", 20},
	} {
		require.NoError(t, e.store.EnsureAccount(context.Background(), seed.userID))
		_, err := e.store.Credit(context.Background(), seed.userID, seed.coins, "seed-"+seed.userID)
		require.NoError(t, err)
	}

	w := e.do(http.MethodGet, "/api/v3/leaderboard?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Leaderboard []models.LeaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Leaderboard, 2)
	assert.Equal(t, "0xaaa", resp.Leaderboard[0].UserID)
	assert.Equal(t, 1, resp.Leaderboard[0].Place)
	assert.Equal(t, "0xbbb", resp.Leaderboard[1].UserID)
}

func TestGetAccount(t *testing.T) {
	e := newTestEnv()

	w := e.do(http.MethodGet, "/api/v3/accounts/0xmissing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, e.store.EnsureAccount(context.Background(), "0xabc"))
	_, err := e.store.Credit(context.Background(), "0xabc", 50, "seed")
	require.NoError(t, err)

	w = e.do(http.MethodGet, "/api/v3/accounts/0xabc", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
		Place   int    `json:"place"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(50), resp.Balance)
	assert.Equal(t, 1, resp.Place)
}

func TestStatus(t *testing.T) {
	e := newTestEnv()
	// A validated report whose award never reached the ledger counts as
	// unpaid backlog.
	award := int64(50)
	err := e.store.CreateReport(context.Background(), &models.Report{
		ID:           "r-1",
		UserID:       "0xabc",
		CreatedAt:    time.Now(),
		State:        models.StateValidated,
		AwardedCoins: &award,
	})
	require.NoError(t, err)

	w := e.do(http.MethodGet, "/api/v3/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status          string         `json:"status"`
		ReportsByState  map[string]int `json:"reports_by_state"`
		UnpaidValidated int            `json:"unpaid_validated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ReportsByState["validated"])
	assert.Equal(t, 1, resp.UnpaidValidated)
}
