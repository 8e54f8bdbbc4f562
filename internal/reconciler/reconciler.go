// Package reconciler retires grants whose validity window has elapsed and
// cascades the effects of a principal losing its last eligible grant onto
// dependent aggregates.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	"github.com/smallbiznis/quotaengine/internal/clock"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"github.com/smallbiznis/quotaengine/internal/notification"
	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobExpirySweep = "expiry_sweep"

var ErrInvalidConfig = errors.New("reconciler: invalid config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         grantdomain.Repository
	Aggregates   aggregatedomain.Service
	Entitlements entitlementdomain.Service
	Publisher    notification.Publisher `optional:"true"`
	Locker       SweepLocker            `optional:"true"`
	Metrics      *metrics.EngineMetrics `optional:"true"`
	Instruments  *metrics.Instruments   `optional:"true"`
	Config       Config                 `optional:"true"`
}

type Reconciler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	repo         grantdomain.Repository
	aggregates   aggregatedomain.Service
	entitlements entitlementdomain.Service
	publisher    notification.Publisher
	locker       SweepLocker
	metrics      *metrics.EngineMetrics
	instruments  *metrics.Instruments
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Repo == nil || p.Aggregates == nil || p.Entitlements == nil {
		return nil, ErrInvalidConfig
	}
	return &Reconciler{
		db:           p.DB,
		log:          p.Log.Named("reconciler").With(zap.String("component", "reconciler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		aggregates:   p.Aggregates,
		entitlements: p.Entitlements,
		publisher:    p.Publisher,
		locker:       p.Locker,
		metrics:      p.Metrics,
		instruments:  p.Instruments,
	}, nil
}

// Reconcile performs one sweep at now. Per-grant failures are collected in
// the report and do not abort the sweep; the returned error is reserved for
// failures that stop the sweep itself.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) (SweepReport, error) {
	now = now.UTC()
	ctx, run, _ := r.ensureJobRun(ctx, jobExpirySweep, r.cfg.BatchSize)
	report := SweepReport{
		RunID:     run.runID,
		StartedAt: r.clock.Now(),
		Now:       now,
	}

	ctx, span := otel.Tracer("quotaengine/reconciler").Start(ctx, "reconciler.sweep")
	span.SetAttributes(attribute.String("reconciler.run_id", run.runID))
	defer func() {
		span.SetAttributes(
			attribute.Int("reconciler.candidates", report.Candidates),
			attribute.Int("reconciler.deactivated", report.Deactivated),
			attribute.Int("reconciler.failures", len(report.Failures)),
		)
		if len(report.Failures) > 0 {
			span.SetStatus(codes.Error, ierr.CodePartialCascadeFailure)
		}
		span.End()
	}()

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, sweepLockKey, r.cfg.LockTTL)
		switch {
		case err != nil:
			r.logger(ctx).Warn("reconciler.lock.unavailable", zap.Error(err))
		case !ok:
			report.LockSkipped = true
			report.FinishedAt = r.clock.Now()
			r.metrics.IncJobSkipped(jobExpirySweep, metrics.SkipReasonLockHeld)
			r.logger(ctx).Info("reconciler.sweep.skipped", zap.String("reason", metrics.SkipReasonLockHeld))
			return report, nil
		default:
			defer func() {
				if err := r.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					r.logger(ctx).Warn("reconciler.lock.release_failed", zap.Error(err))
				}
			}()
		}
	}

	// Grants left untouched by a failed step still match the candidate
	// query, so pages advance by cursor and each grant is visited once per run.
	var cursor *grantdomain.ReconcileCursor
	for {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = r.clock.Now()
			return report, err
		}

		batch, err := r.repo.ListReconcileCandidates(ctx, r.db, now, cursor, r.cfg.BatchSize)
		if err != nil {
			report.FinishedAt = r.clock.Now()
			return report, fmt.Errorf("list reconcile candidates: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, g := range batch {
			report.Candidates++
			r.processGrant(ctx, g, now, &report)
		}
		run.AddProcessed(len(batch))

		last := batch[len(batch)-1]
		cursor = &grantdomain.ReconcileCursor{ValidTo: last.ValidTo, ID: last.ID}
		if len(batch) < r.cfg.BatchSize {
			break
		}
	}

	report.FinishedAt = r.clock.Now()
	r.logger(ctx).Info("reconciler.sweep.report",
		zap.String("run_id", report.RunID),
		zap.Int("candidates", report.Candidates),
		zap.Int("deactivated", report.Deactivated),
		zap.Int("cascaded", report.Cascaded),
		zap.Int("retained", report.Retained),
		zap.Int("repaired", report.Repaired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (r *Reconciler) processGrant(ctx context.Context, g grantdomain.Grant, now time.Time, report *SweepReport) {
	leaseUntil := now.Add(r.cfg.CascadeLease)

	if g.Active {
		owned, err := r.repo.Deactivate(ctx, r.db, g.ID, now, leaseUntil)
		if err != nil {
			r.logGrantError(ctx, "reconciler.grant.deactivate_failed", stageDeactivate, g.ID, g.PrincipalID, err)
			report.addFailure(g.ID, g.PrincipalID, stageDeactivate, err)
			return
		}
		if !owned {
			report.Skipped++
			return
		}
		report.Deactivated++
		r.metrics.IncGrantDeactivated()
		r.logGrantDeactivated(ctx, g.ID, g.PrincipalID, g.ValidTo)
	} else {
		claimed, err := r.repo.ClaimCascade(ctx, r.db, g.ID, now, leaseUntil)
		if err != nil {
			r.logGrantError(ctx, "reconciler.cascade.claim_failed", stageClaim, g.ID, g.PrincipalID, err)
			report.addFailure(g.ID, g.PrincipalID, stageClaim, err)
			return
		}
		if !claimed {
			report.Skipped++
			return
		}
		report.Repaired++
	}

	r.settle(ctx, g, now, report)
}

// settle decides between retaining and cascading, applies the cascade and
// marks the grant done. Any failure leaves the grant pending.
func (r *Reconciler) settle(ctx context.Context, g grantdomain.Grant, now time.Time, report *SweepReport) {
	remaining, err := r.repo.CountEligibleByPrincipal(ctx, r.db, g.PrincipalID, now)
	if err != nil {
		r.fail(ctx, g, stageEvaluate, err, report)
		return
	}
	r.entitlements.Invalidate(g.PrincipalID)

	outcome := metrics.CascadeOutcomeRetained
	eventType := notification.EventGrantExpired
	if remaining == 0 {
		if err := r.cascade(ctx, g.PrincipalID); err != nil {
			r.fail(ctx, g, stageCascade, err, report)
			return
		}
		outcome = metrics.CascadeOutcomeApplied
		eventType = notification.EventPrincipalLapsed
	}

	if err := r.repo.MarkCascaded(ctx, r.db, g.ID, now); err != nil {
		r.fail(ctx, g, stageMark, err, report)
		return
	}

	if remaining == 0 {
		report.Cascaded++
	} else {
		report.Retained++
	}
	r.metrics.IncCascade(outcome)
	r.logCascade(ctx, g.ID, g.PrincipalID, outcome)
	r.publish(eventType, g, now, remaining)
}

func (r *Reconciler) fail(ctx context.Context, g grantdomain.Grant, stage string, err error, report *SweepReport) {
	marked := ierr.WithError(err).
		WithMessage(stage).
		Mark(ierr.ErrPartialCascadeFailure)
	r.metrics.IncCascade(metrics.CascadeOutcomePartialFailure)
	r.logGrantError(ctx, "reconciler.cascade.partial_failure", stage, g.ID, g.PrincipalID, marked)
	report.addFailure(g.ID, g.PrincipalID, stage, marked)
}

// cascade applies every set-to-target write for a principal that lost its
// last eligible grant. Writes are idempotent, so all of them are attempted
// even after one fails and a later repair simply repeats them.
func (r *Reconciler) cascade(ctx context.Context, principalID snowflake.ID) error {
	storefronts, err := r.aggregates.StorefrontIDs(ctx, principalID)
	if err != nil {
		return fmt.Errorf("list storefronts: %w", err)
	}
	premiumItems, err := r.aggregates.PremiumItemIDs(ctx, principalID)
	if err != nil {
		return fmt.Errorf("list premium items: %w", err)
	}

	p := pool.New().WithErrors().WithMaxGoroutines(r.cfg.CascadeFanout)
	p.Go(func() error {
		return r.aggregates.SetPrincipalStatus(ctx, principalID, aggregatedomain.PrincipalStatusInactive)
	})
	p.Go(func() error {
		return r.aggregates.ClearEntitlementSummary(ctx, principalID)
	})
	for _, id := range storefronts {
		p.Go(func() error {
			return r.aggregates.SetStorefrontStatus(ctx, id, aggregatedomain.StorefrontStatusInactive)
		})
	}
	for _, id := range premiumItems {
		p.Go(func() error {
			return r.aggregates.ClearPremiumFlag(ctx, id)
		})
	}
	err = p.Wait()
	if err == nil {
		r.instruments.RecordCascadeWrites(ctx, "principal", 2)
		r.instruments.RecordCascadeWrites(ctx, "storefront", len(storefronts))
		r.instruments.RecordCascadeWrites(ctx, "item", len(premiumItems))
	}
	return err
}

func (r *Reconciler) publish(eventType notification.EventType, g grantdomain.Grant, now time.Time, remaining int64) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(notification.NewEvent(eventType, g.PrincipalID, g.ID, now, map[string]string{
		"plan_id":          g.PlanID,
		"valid_to":         g.ValidTo.UTC().Format(time.RFC3339),
		"remaining_grants": fmt.Sprintf("%d", remaining),
	}))
}

func (r *Reconciler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := r.ensureJobRun(ctx, name, batchSize)
	if owner {
		r.logJobStart(ctx, run)
	}
	log := r.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	r.metrics.IncJobRun(name)

	err := fn(ctx)
	r.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		r.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		r.metrics.IncJobTimeout(name)
	}
	r.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce sweeps at the injected clock's current time.
func (r *Reconciler) RunOnce(parent context.Context) (SweepReport, error) {
	var report SweepReport
	err := r.runJob(parent, jobExpirySweep, r.cfg.BatchSize, r.cfg.JobTimeout, func(ctx context.Context) error {
		var err error
		report, err = r.Reconcile(ctx, r.clock.Now())
		if err != nil {
			return err
		}
		return report.Err()
	})
	return report, err
}

func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := r.clock.Now().Add(r.cfg.RunInterval)

	for {
		runLag := r.clock.Now().Sub(nextRun)
		if runLag > 0 {
			r.metrics.ObserveRunLoopLag(runLag)
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconciler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(r.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
