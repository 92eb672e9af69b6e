package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ClassifierCallsTotal counts outbound classifier calls by result
	// (ok, rejected, quota, unavailable).
	ClassifierCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "classifier_calls_total",
		Help:      "Total number of classifier calls, labeled by result.",
	}, []string{"result"})

	// ScreeningRejectionsTotal counts submissions rejected before any
	// classifier call, labeled by reason.
	ScreeningRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "screening_rejections_total",
		Help:      "Total number of submissions rejected by screening, labeled by reason.",
	}, []string{"reason"})

	// ReportsProcessedTotal counts pipeline runs by terminal outcome.
	ReportsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "reports_processed_total",
		Help:      "Total number of reports driven to a terminal state, labeled by outcome.",
	}, []string{"outcome"})

	// CreditsAppliedTotal counts applied (non-replayed) balance credits.
	CreditsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "ledger",
		Name:      "credits_applied_total",
		Help:      "Total number of EcoCoin credits applied to account balances.",
	})

	// CoinsCreditedTotal sums the EcoCoins credited across all accounts.
	CoinsCreditedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "ledger",
		Name:      "coins_credited_total",
		Help:      "Total EcoCoins credited to account balances.",
	})

	// UnpaidValidatedTotal counts validated reports whose credit could not be
	// applied and needs reconciliation.
	UnpaidValidatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "ledger",
		Name:      "unpaid_validated_total",
		Help:      "Total validated reports left without a ledger credit, flagged for reconciliation.",
	})

	// ProcessingDurationSeconds is end-to-end time from pipeline pickup to a
	// terminal state.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end time to drive a report to a terminal state.",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"outcome"})

	// QuotaPaused is 1 while new classifier calls are paused after a quota
	// error from the provider.
	QuotaPaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "quota_paused",
		Help:      "Whether classifier calls are currently paused due to provider quota exhaustion.",
	})

	// SweepRedrivenTotal counts parked reports re-driven by the scheduled
	// sweep.
	SweepRedrivenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "sweep_redriven_total",
		Help:      "Total number of classification_failed reports re-driven by the sweep.",
	})

	// StaleResumedTotal counts reports stranded in an intermediate state and
	// resumed by the sweep.
	StaleResumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "pipeline",
		Name:      "stale_resumed_total",
		Help:      "Total number of stranded in-flight reports resumed by the sweep.",
	})

	// CoinsDisbursedTotal sums the EcoCoins pushed on-chain.
	CoinsDisbursedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecosentinel",
		Subsystem: "disburse",
		Name:      "coins_disbursed_total",
		Help:      "Total EcoCoins disbursed on-chain.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ClassifierCallsTotal,
			ScreeningRejectionsTotal,
			ReportsProcessedTotal,
			CreditsAppliedTotal,
			CoinsCreditedTotal,
			UnpaidValidatedTotal,
			ProcessingDurationSeconds,
			QuotaPaused,
			SweepRedrivenTotal,
			StaleResumedTotal,
			CoinsDisbursedTotal,
		)
	})
}
