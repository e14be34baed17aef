// Package metrics exposes Prometheus instrumentation for the moderation
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the moderation service.
type Metrics struct {
	// Pipeline metrics
	ReportsSubmitted *prometheus.CounterVec
	ReportsRejected  *prometheus.CounterVec
	CaptureDuration  prometheus.Histogram
	CapturedMessages prometheus.Histogram

	// Distributor metrics
	Deliveries        *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	Dispenses         prometheus.Counter
	Expiries          prometheus.Counter
	InactivityStrikes prometheus.Counter

	// Verdict metrics
	Votes              *prometheus.CounterVec
	Verdicts           *prometheus.CounterVec
	PunishmentsApplied *prometheus.CounterVec
	PunishmentRetries  prometheus.Counter
	Appeals            prometheus.Counter
	XPDistributed      prometheus.Counter

	// Duty metrics
	ReviewersOnDuty  prometheus.Gauge
	ShiftPoints      prometheus.Counter
	CaptchasIssued   prometheus.Counter
	CaptchasAnswered prometheus.Counter
	CaptchasExpired  prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ReportsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_reports_submitted_total",
				Help: "Reports accepted by the pipeline",
			},
			[]string{"premium"}, // premium: true, false
		),
		ReportsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_reports_rejected_total",
				Help: "Reports rejected at the gates",
			},
			[]string{"reason"}, // reason: unregistered, self_report, quota
		),
		CaptureDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guardiao_capture_duration_seconds",
				Help:    "Duration of evidence capture per report",
				Buckets: prometheus.DefBuckets,
			},
		),
		CapturedMessages: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guardiao_captured_messages",
				Help:    "Messages captured per report",
				Buckets: []float64{0, 5, 10, 25, 50, 75, 100},
			},
		),
		Deliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_deliveries_total",
				Help: "Assignments delivered to reviewers",
			},
			[]string{"tier"},
		),
		DeliveryFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_delivery_failures_total",
				Help: "DM deliveries that failed",
			},
		),
		Dispenses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_dispenses_total",
				Help: "Assignments dispensed by reviewers",
			},
		),
		Expiries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_assignment_expiries_total",
				Help: "Delivered assignments that timed out",
			},
		),
		InactivityStrikes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_inactivity_strikes_total",
				Help: "Accepted assignments abandoned without a vote",
			},
		),
		Votes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_votes_total",
				Help: "Votes cast by choice",
			},
			[]string{"choice"},
		),
		Verdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_verdicts_total",
				Help: "Reports finalized by verdict kind",
			},
			[]string{"verdict"},
		),
		PunishmentsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardiao_punishments_applied_total",
				Help: "Punishments applied via the chat gateway",
			},
			[]string{"verdict"},
		),
		PunishmentRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_punishment_retries_total",
				Help: "Punishment attempts that needed a retry",
			},
		),
		Appeals: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_appeals_total",
				Help: "Finalized reports reopened on appeal",
			},
		),
		XPDistributed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_xp_distributed_total",
				Help: "Experience points paid to voters",
			},
		),
		ReviewersOnDuty: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "guardiao_reviewers_on_duty",
				Help: "Reviewers currently on shift",
			},
		),
		ShiftPoints: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_shift_points_total",
				Help: "Service points credited for shift time",
			},
		),
		CaptchasIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_captchas_issued_total",
				Help: "Liveness challenges issued",
			},
		),
		CaptchasAnswered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_captchas_answered_total",
				Help: "Liveness challenges answered in time",
			},
		),
		CaptchasExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "guardiao_captchas_expired_total",
				Help: "Liveness challenges that expired",
			},
		),
	}
}

// ObserveCapture records one capture run.
func (m *Metrics) ObserveCapture(d time.Duration, messages int) {
	m.CaptureDuration.Observe(d.Seconds())
	m.CapturedMessages.Observe(float64(messages))
}
