package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	"gorm.io/gorm"
)

// Config carries constant labels for every engine metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"

	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"

	SkipReasonLockHeld = "lock_held"

	CascadeOutcomeApplied        = "applied"
	CascadeOutcomeRetained       = "retained"
	CascadeOutcomePartialFailure = "partial_failure"
)

// EngineMetrics captures allocator, reconciler and notification health.
type EngineMetrics struct {
	allocations         *prometheus.CounterVec
	allocationConflicts *prometheus.CounterVec
	allocationDuration  *prometheus.HistogramVec
	capabilityChecks    *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobTimeouts *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobSkipped  *prometheus.CounterVec
	runLoopLag  prometheus.Histogram

	grantsDeactivated prometheus.Counter
	cascades          *prometheus.CounterVec

	notificationsPublished *prometheus.CounterVec
	notificationsDropped   prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton registry, building it with cfg labels
// on first use.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = NewEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "quotaengine"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &EngineMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_allocations_total",
			Help:        "Quota allocations by feature key and outcome.",
			ConstLabels: constLabels,
		}, []string{"feature", "outcome"}),
		allocationConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_allocation_conflicts_total",
			Help:        "Compare-and-set conflicts observed while allocating.",
			ConstLabels: constLabels,
		}, []string{"feature"}),
		allocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "quotaengine_allocation_duration_seconds",
			Help:        "Allocation latency including retries.",
			Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"feature"}),
		capabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_capability_checks_total",
			Help:        "Capability gate evaluations by key and outcome.",
			ConstLabels: constLabels,
		}, []string{"capability", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_entitlement_cache_lookups_total",
			Help:        "Entitlement cache lookups by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "quotaengine_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_job_timeouts_total",
			Help:        "Background job timeouts.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_job_errors_total",
			Help:        "Background job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_job_skipped_total",
			Help:        "Background job runs skipped by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "quotaengine_runloop_lag_seconds",
			Help:        "Run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}),
		grantsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quotaengine_grants_deactivated_total",
			Help:        "Grants retired by the expiry sweep.",
			ConstLabels: constLabels,
		}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_cascades_total",
			Help:        "Cascade decisions by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		notificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaengine_notifications_published_total",
			Help:        "Notification events handed to the sink.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quotaengine_notifications_dropped_total",
			Help:        "Notification events dropped because the buffer was full.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.allocations,
		m.allocationConflicts,
		m.allocationDuration,
		m.capabilityChecks,
		m.cacheLookups,
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.jobSkipped,
		m.runLoopLag,
		m.grantsDeactivated,
		m.cascades,
		m.notificationsPublished,
		m.notificationsDropped,
	)
	return m
}

// ObserveAllocation records the outcome and latency of one Allocate call.
func (m *EngineMetrics) ObserveAllocation(feature string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(feature, AllocationOutcome(err)).Inc()
	m.allocationDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

func (m *EngineMetrics) IncAllocationConflict(feature string) {
	if m == nil {
		return
	}
	m.allocationConflicts.WithLabelValues(feature).Inc()
}

func (m *EngineMetrics) ObserveCapabilityCheck(capability string, err error) {
	if m == nil {
		return
	}
	m.capabilityChecks.WithLabelValues(capability, AllocationOutcome(err)).Inc()
}

func (m *EngineMetrics) IncCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *EngineMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *EngineMetrics) IncJobSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *EngineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *EngineMetrics) IncGrantDeactivated() {
	if m == nil {
		return
	}
	m.grantsDeactivated.Inc()
}

func (m *EngineMetrics) IncCascade(outcome string) {
	if m == nil {
		return
	}
	m.cascades.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) IncNotificationPublished(eventType string) {
	if m == nil {
		return
	}
	m.notificationsPublished.WithLabelValues(eventType).Inc()
}

func (m *EngineMetrics) IncNotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDropped.Inc()
}

// AllocationOutcome maps an allocate/gate error to its outcome label.
func AllocationOutcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if code := ierr.Code(err); code != ierr.CodeInternal {
		return code
	}
	return OutcomeError
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return ReasonDBLockTimeout
		case "40001":
			return ReasonSerializationFailure
		case "23505":
			return ReasonUniqueViolation
		}
	}
	if code := ierr.Code(err); code != ierr.CodeInternal {
		return code
	}
	return ReasonUnknown
}
