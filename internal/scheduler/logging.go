package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/clientdesk/internal/observability/context"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	runOutcomeOK      = "ok"
	runOutcomePartial = "partial"
	runOutcomeSkipped = "skipped"
)

// jobRun tallies one execution of a job; nil-safe so jobs can be called
// directly, as the CLI does, without a surrounding run.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	processed int
	failed    int
	skipped   bool
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.failed++
}

func (r *jobRun) MarkSkipped() {
	if r == nil {
		return
	}
	r.skipped = true
}

func (r *jobRun) outcome() (string, zapcore.Level) {
	switch {
	case r.failed > 0:
		return runOutcomePartial, zapcore.WarnLevel
	case r.skipped:
		return runOutcomeSkipped, zapcore.DebugLevel
	default:
		return runOutcomeOK, zapcore.InfoLevel
	}
}

func (s *Scheduler) startJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return s.withLogContext(ctx), run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) withLogContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return obscontext.WithActor(ctx, "system", "scheduler")
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	outcome, level := run.outcome()
	if ce := s.logger(ctx).Check(level, "scheduler.job.finish"); ce != nil {
		ce.Write(
			zap.String("job", run.job),
			zap.String("run_id", run.runID),
			zap.String("outcome", outcome),
			zap.Int("batch_size", s.cfg.BatchSize),
			zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
			zap.Int("processed_count", run.processed),
			zap.Int("error_count", run.failed),
		)
	}
}

// logInvoiceError records a per-invoice failure without aborting the batch.
func (s *Scheduler) logInvoiceError(ctx context.Context, msg string, invoiceID snowflake.ID, err error) {
	if err == nil {
		return
	}
	run := jobRunFromContext(ctx)
	run.IncError()
	fields := []zap.Field{
		zap.String("invoice_id", invoiceID.String()),
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	}
	if run != nil {
		fields = append(fields, zap.String("job", run.job), zap.String("run_id", run.runID))
	}
	s.logger(ctx).Error(msg, fields...)
}
