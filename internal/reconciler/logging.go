package reconciler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/quotaengine/internal/observability/context"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (r *Reconciler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     r.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = r.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (r *Reconciler) withLogContext(ctx context.Context, principalID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "reconciler")
	if principalID != 0 {
		ctx = obscontext.WithPrincipalID(ctx, principalID.String())
	}
	return ctx
}

func (r *Reconciler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, r.log)
}

func (r *Reconciler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	r.logger(ctx).Info("reconciler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (r *Reconciler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := r.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("reconciler.job.finish", fields...)
		return
	}
	log.Info("reconciler.job.finish", fields...)
}

func (r *Reconciler) logGrantError(ctx context.Context, msg, stage string, grantID, principalID snowflake.ID, err error) {
	if err == nil {
		return
	}
	if run := jobRunFromContext(ctx); run != nil {
		run.IncError()
	}
	ctx = r.withLogContext(ctx, principalID)
	r.logger(ctx).Error(msg,
		zap.String("stage", stage),
		zap.String("grant_id", idString(grantID)),
		zap.String("error_type", metrics.ClassifyJobReason(err)),
		zap.Error(err),
	)
}

func (r *Reconciler) logGrantDeactivated(ctx context.Context, grantID, principalID snowflake.ID, validTo time.Time) {
	ctx = r.withLogContext(ctx, principalID)
	r.logger(ctx).Info("reconciler.grant.deactivated",
		zap.String("grant_id", idString(grantID)),
		zap.Time("valid_to", validTo),
	)
}

func (r *Reconciler) logCascade(ctx context.Context, grantID, principalID snowflake.ID, outcome string) {
	ctx = r.withLogContext(ctx, principalID)
	r.logger(ctx).Info("reconciler.cascade."+outcome,
		zap.String("grant_id", idString(grantID)),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
