// Package pipeline drives a submitted report through screening,
// classification and resolution to a terminal state, and settles the EcoCoin
// award on the account ledger. All state transitions are compare-and-swap:
// when several workers race on one report, exactly one advances it and the
// rest observe ErrStaleState and back off.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"ecosentinel/classifier"
	"ecosentinel/filter"
	"ecosentinel/metrics"
	"ecosentinel/models"
	"ecosentinel/resolver"
)

const (
	quotaKey   = "quota_exhausted"
	sweepBatch = 50
)

// ReportLedger is the slice of report storage the pipeline drives.
// Implemented by database.Database and memstore.Store.
type ReportLedger interface {
	CreateReport(ctx context.Context, r *models.Report) error
	AdvanceReport(ctx context.Context, id string, expected, next models.ReportState, payload *models.AdvancePayload) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	FailedReports(ctx context.Context, limit int) ([]string, error)
	StaleReports(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// AccountLedger is the slice of account storage the pipeline settles on.
type AccountLedger interface {
	EnsureAccount(ctx context.Context, userID string) error
	Credit(ctx context.Context, accountID string, amount int64, causingReportID string) (int64, error)
}

// Screener screens a submission before any classifier call is spent.
type Screener interface {
	Screen(ctx context.Context, sub models.Submission) (filter.Decision, error)
}

// Publisher fans resolved reports out to downstream consumers. Optional and
// best-effort.
type Publisher interface {
	Publish(message interface{}) error
}

// Config carries the pipeline scheduling knobs.
type Config struct {
	// SweepInterval is how often parked reports are re-driven.
	SweepInterval time.Duration
	// QuotaCooldown is how long new classifier calls are paused after the
	// provider reports quota exhaustion.
	QuotaCooldown time.Duration
	// StaleAfter is how old a report stuck in an intermediate state must be
	// before the sweep resumes it.
	StaleAfter time.Duration
}

// ResolvedEvent is the message published when a report reaches validated.
type ResolvedEvent struct {
	ReportID  string                `json:"report_id"`
	UserID    string                `json:"user_id"`
	Category  models.ThreatCategory `json:"category"`
	Priority  models.Priority       `json:"priority"`
	Award     int64                 `json:"award"`
	Latitude  float64               `json:"latitude"`
	Longitude float64               `json:"longitude"`
}

type Pipeline struct {
	reports    ReportLedger
	accounts   AccountLedger
	screener   Screener
	classifier classifier.Client
	resolver   *resolver.Resolver
	publisher  Publisher
	cfg        Config

	// cooldown holds a single TTL entry while classifier calls are paused.
	cooldown *cache.Cache
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(reports ReportLedger, accounts AccountLedger, screener Screener,
	cl classifier.Client, res *resolver.Resolver, publisher Publisher, cfg Config) *Pipeline {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Pipeline{
		reports:    reports,
		accounts:   accounts,
		screener:   screener,
		classifier: cl,
		resolver:   res,
		publisher:  publisher,
		cfg:        cfg,
		cooldown:   cache.New(cfg.QuotaCooldown, time.Minute),
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Submit persists a new report in its initial state and ensures the
// submitter's account exists. Processing is a separate step so callers decide
// whether to run it inline or on a worker.
func (p *Pipeline) Submit(ctx context.Context, sub models.Submission) (*models.Report, error) {
	if len(sub.Image) == 0 {
		return nil, fmt.Errorf("submission without image")
	}
	if sub.UserID == "" {
		return nil, fmt.Errorf("submission without user id")
	}

	hash := sub.ImageHash
	if hash == "" {
		sum := sha256.Sum256(sub.Image)
		hash = hex.EncodeToString(sum[:])
	}

	if err := p.accounts.EnsureAccount(ctx, sub.UserID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	r := &models.Report{
		ID:              uuid.New().String(),
		UserID:          sub.UserID,
		Image:           sub.Image,
		ImageHash:       hash,
		Latitude:        sub.Latitude,
		Longitude:       sub.Longitude,
		Accuracy:        sub.Accuracy,
		Description:     sub.Description,
		ClientTimestamp: sub.ClientTimestamp,
		CreatedAt:       p.now(),
		State:           models.StateSubmitted,
	}
	if err := p.reports.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return r, nil
}

// Process drives one submitted report to a terminal state. Safe to call from
// several workers for the same report: the CAS transitions guarantee only one
// makes progress.
func (p *Pipeline) Process(ctx context.Context, reportID string) {
	started := p.now()
	outcome := p.process(ctx, reportID)
	if outcome == "" {
		return // lost the race, another worker owns the report
	}
	metrics.ReportsProcessedTotal.WithLabelValues(outcome).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(outcome).
		Observe(p.now().Sub(started).Seconds())
}

func (p *Pipeline) process(ctx context.Context, reportID string) string {
	logger := log.WithField("report_id", reportID)

	if p.cancelIfRequested(ctx, reportID, models.StateSubmitted) {
		return "cancelled"
	}

	if err := p.reports.AdvanceReport(ctx, reportID, models.StateSubmitted, models.StateFiltering, nil); err != nil {
		if !errors.Is(err, models.ErrStaleState) && !errors.Is(err, models.ErrReportNotFound) {
			logger.Errorf("Failed to start filtering: %v", err)
		}
		return ""
	}

	r, err := p.reports.GetReport(ctx, reportID)
	if err != nil {
		logger.Errorf("Failed to load report: %v", err)
		return ""
	}

	decision, err := p.screener.Screen(ctx, models.Submission{
		UserID:          r.UserID,
		Image:           r.Image,
		ImageHash:       r.ImageHash,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		Accuracy:        r.Accuracy,
		Description:     r.Description,
		ClientTimestamp: r.ClientTimestamp,
	})
	if err != nil {
		logger.Errorf("Screening failed: %v", err)
		// The report stays in filtering; the sweep rewinds it to submitted
		// once stale so the whole screening runs again.
		return ""
	}
	if !decision.Accepted {
		metrics.ScreeningRejectionsTotal.WithLabelValues(string(decision.Reason)).Inc()
		logger.WithField("reason", string(decision.Reason)).Info("Report rejected by screening")
		p.advance(ctx, logger, reportID, models.StateFiltering, models.StateRejectedDuplicate,
			&models.AdvancePayload{Reason: decision.Reason})
		return "rejected"
	}

	if err := p.reports.AdvanceReport(ctx, reportID, models.StateFiltering, models.StateFilteringPassed, nil); err != nil {
		return ""
	}

	if p.cancelIfRequested(ctx, reportID, models.StateFilteringPassed) {
		return "cancelled"
	}

	// Quota backpressure: while paused, park instead of burning calls the
	// provider will throttle anyway. The sweep re-drives after the cooldown.
	if p.quotaPaused() {
		logger.Info("Classifier quota paused, parking report")
		p.advance(ctx, logger, reportID, models.StateFilteringPassed, models.StateClassificationFailed, nil)
		return "parked"
	}

	if err := p.reports.AdvanceReport(ctx, reportID, models.StateFilteringPassed, models.StateClassifying, nil); err != nil {
		return ""
	}

	return p.classifyAndSettle(ctx, logger, r)
}

// classifyAndSettle takes a report in classifying to its terminal state.
func (p *Pipeline) classifyAndSettle(ctx context.Context, logger *log.Entry, r *models.Report) string {
	locationHint := fmt.Sprintf("lat=%.6f, lon=%.6f, accuracy=%.0fm", r.Latitude, r.Longitude, r.Accuracy)
	verdict, err := p.classifier.Classify(ctx, r.Image, locationHint, r.Description)
	if err != nil {
		switch {
		case errors.Is(err, classifier.ErrRejected):
			metrics.ClassifierCallsTotal.WithLabelValues("rejected").Inc()
			logger.Warnf("Classifier rejected report: %v", err)
			p.advance(ctx, logger, r.ID, models.StateClassifying, models.StateInvalid,
				&models.AdvancePayload{Reason: models.ReasonClassifierRejected})
			return "invalid"
		case errors.Is(err, classifier.ErrQuotaExceeded):
			metrics.ClassifierCallsTotal.WithLabelValues("quota").Inc()
			logger.Warn("Classifier quota exhausted, pausing calls")
			p.pauseQuota()
			p.advance(ctx, logger, r.ID, models.StateClassifying, models.StateClassificationFailed, nil)
			return "parked"
		default:
			metrics.ClassifierCallsTotal.WithLabelValues("unavailable").Inc()
			logger.Warnf("Classifier unavailable: %v", err)
			p.advance(ctx, logger, r.ID, models.StateClassifying, models.StateClassificationFailed, nil)
			return "parked"
		}
	}
	metrics.ClassifierCallsTotal.WithLabelValues("ok").Inc()

	if p.cancelIfRequested(ctx, r.ID, models.StateClassifying) {
		return "cancelled"
	}

	if err := p.reports.AdvanceReport(ctx, r.ID, models.StateClassifying, models.StateClassified,
		&models.AdvancePayload{Verdict: verdict}); err != nil {
		return ""
	}

	priority, award := p.resolver.Resolve(*verdict)
	if priority == models.PriorityNone {
		logger.WithField("category", string(verdict.Category)).Info("Report resolved as not actionable")
		p.advance(ctx, logger, r.ID, models.StateClassified, models.StateInvalid,
			&models.AdvancePayload{Reason: models.ReasonNotAuthentic})
		return "invalid"
	}

	if err := p.reports.AdvanceReport(ctx, r.ID, models.StateClassified, models.StateValidated,
		&models.AdvancePayload{Priority: priority, AwardedCoins: &award}); err != nil {
		return ""
	}
	logger.WithFields(log.Fields{
		"category": string(verdict.Category),
		"priority": string(priority),
		"award":    award,
	}).Info("Report validated")

	p.settle(ctx, logger, r, priority, award)

	if p.publisher != nil {
		event := ResolvedEvent{
			ReportID:  r.ID,
			UserID:    r.UserID,
			Category:  verdict.Category,
			Priority:  priority,
			Award:     award,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
		}
		if err := p.publisher.Publish(event); err != nil {
			logger.Warnf("Failed to publish resolved event: %v", err)
		}
	}
	return "validated"
}

// settle credits the award. The credit is idempotent by report id, so a crash
// between the validated transition and here is repaired by reconciliation
// re-running the same credit.
func (p *Pipeline) settle(ctx context.Context, logger *log.Entry, r *models.Report, priority models.Priority, award int64) {
	if award <= 0 {
		return
	}
	if _, err := p.accounts.Credit(ctx, r.UserID, award, r.ID); err != nil {
		// The report stays validated; UnpaidValidated picks it up for
		// reconciliation.
		metrics.UnpaidValidatedTotal.Inc()
		logger.Errorf("Failed to credit award: %v", err)
		return
	}
	metrics.CreditsAppliedTotal.Inc()
	metrics.CoinsCreditedTotal.Add(float64(award))
}

// cancelIfRequested checks the cancellation flag at a step boundary and, when
// set, drives the report to invalid. Returns true when this worker cancelled
// it.
func (p *Pipeline) cancelIfRequested(ctx context.Context, reportID string, expected models.ReportState) bool {
	cancelled, err := p.reports.CancelRequested(ctx, reportID)
	if err != nil || !cancelled {
		return false
	}
	err = p.reports.AdvanceReport(ctx, reportID, expected, models.StateInvalid,
		&models.AdvancePayload{Reason: models.ReasonCancelled})
	if err != nil {
		return false
	}
	log.WithField("report_id", reportID).Info("Report cancelled")
	return true
}

func (p *Pipeline) advance(ctx context.Context, logger *log.Entry, id string,
	expected, next models.ReportState, payload *models.AdvancePayload) {
	if err := p.reports.AdvanceReport(ctx, id, expected, next, payload); err != nil {
		logger.Errorf("Failed to advance %s -> %s: %v", expected, next, err)
	}
}

func (p *Pipeline) pauseQuota() {
	p.cooldown.Set(quotaKey, true, p.cfg.QuotaCooldown)
	metrics.QuotaPaused.Set(1)
}

func (p *Pipeline) quotaPaused() bool {
	_, paused := p.cooldown.Get(quotaKey)
	if !paused {
		metrics.QuotaPaused.Set(0)
	}
	return paused
}

// Sweep re-drives reports parked as classification_failed and resumes
// reports stranded in intermediate states by a failed or crashed run. Quota
// pauses short-circuit the whole batch.
func (p *Pipeline) Sweep(ctx context.Context) {
	if p.quotaPaused() {
		return
	}
	ids, err := p.reports.FailedReports(ctx, sweepBatch)
	if err != nil {
		log.Errorf("Failed to list parked reports: %v", err)
		return
	}
	for _, id := range ids {
		if p.quotaPaused() {
			return
		}
		logger := log.WithField("report_id", id)
		if p.cancelIfRequested(ctx, id, models.StateClassificationFailed) {
			continue
		}
		if err := p.reports.AdvanceReport(ctx, id, models.StateClassificationFailed, models.StateClassifying, nil); err != nil {
			continue
		}
		r, err := p.reports.GetReport(ctx, id)
		if err != nil {
			logger.Errorf("Failed to load parked report: %v", err)
			continue
		}
		metrics.SweepRedrivenTotal.Inc()
		logger.Info("Re-driving parked report")
		if outcome := p.classifyAndSettle(ctx, logger, r); outcome != "" {
			metrics.ReportsProcessedTotal.WithLabelValues(outcome).Inc()
		}
	}
	p.resumeStale(ctx)
}

// resumeStale picks up reports that have sat in a non-terminal intermediate
// state longer than StaleAfter. A report stuck before or during screening is
// rewound to submitted so Process screens it from the top; a report stranded
// in classifying has already passed screening and resumes at classification.
// The CAS transitions make this safe to race with a live worker: whoever
// advances first wins and the other side backs off.
func (p *Pipeline) resumeStale(ctx context.Context) {
	ids, err := p.reports.StaleReports(ctx, p.now().Add(-p.cfg.StaleAfter), sweepBatch)
	if err != nil {
		log.Errorf("Failed to list stale reports: %v", err)
		return
	}
	for _, id := range ids {
		if p.quotaPaused() {
			return
		}
		logger := log.WithField("report_id", id)
		r, err := p.reports.GetReport(ctx, id)
		if err != nil {
			continue
		}
		switch r.State {
		case models.StateSubmitted:
		case models.StateFiltering, models.StateFilteringPassed:
			if err := p.reports.AdvanceReport(ctx, id, r.State, models.StateSubmitted, nil); err != nil {
				continue
			}
		case models.StateClassifying:
			if p.cancelIfRequested(ctx, id, models.StateClassifying) {
				continue
			}
			metrics.StaleResumedTotal.Inc()
			logger.Info("Resuming report stranded in classifying")
			if outcome := p.classifyAndSettle(ctx, logger, r); outcome != "" {
				metrics.ReportsProcessedTotal.WithLabelValues(outcome).Inc()
			}
			continue
		default:
			continue
		}
		metrics.StaleResumedTotal.Inc()
		logger.Info("Resuming stalled report")
		p.Process(ctx, id)
	}
}

// Start launches the background sweep loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep(context.Background())
			case <-p.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}
