package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const sweepLockKey = "scheduler:lock:%s"

// Locker serializes a job across replicas. ratelimit.Locker satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	InvoiceRepo invoicedomain.Repository
	Reconciler  reconciliationdomain.Service
	Config      Config                       `optional:"true"`
	Locker      Locker                       `optional:"true"`
	Reminders   *config.ReminderConfigHolder `optional:"true"`
	Sender      invoicedomain.ReminderSender `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	invoiceRepo invoicedomain.Repository
	reconciler  reconciliationdomain.Service
	locker      Locker
	reminders   *config.ReminderConfigHolder
	sender      invoicedomain.ReminderSender
}

// SweepReport summarizes one overdue sweep pass.
type SweepReport struct {
	Candidates []snowflake.ID
	Changed    int
	Failed     int
	Skipped    bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.InvoiceRepo == nil || p.Reconciler == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		invoiceRepo: p.InvoiceRepo,
		reconciler:  p.Reconciler,
		locker:      p.Locker,
		reminders:   p.Reminders,
		sender:      p.Sender,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.failed == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The next tick picks up where this one stopped.
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	if s.isJobEnabled(JobOverdueSweep) {
		err = errors.Join(err, s.runJob(parent, JobOverdueSweep, func(ctx context.Context) error {
			_, sweepErr := s.SweepOverdue(ctx, false)
			return sweepErr
		}))
	}
	if s.isJobEnabled(JobPaymentReminders) && s.sender != nil {
		err = errors.Join(err, s.runJob(parent, JobPaymentReminders, s.SendDueReminders))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(job string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, job) {
			return true
		}
	}
	return false
}

// SweepOverdue reconciles one batch of invoices whose stored status lags the
// clock. Reconciliation derives OVERDUE itself, so the sweep never writes a
// status directly. With dryRun the candidates are only listed.
func (s *Scheduler) SweepOverdue(ctx context.Context, dryRun bool) (SweepReport, error) {
	var report SweepReport
	ctx = s.withLogContext(ctx)

	release, acquired, err := s.acquire(ctx, JobOverdueSweep)
	if err != nil {
		return report, err
	}
	if !acquired {
		obsmetrics.Scheduler().IncBatchDeferred(JobOverdueSweep, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		jobRunFromContext(ctx).MarkSkipped()
		report.Skipped = true
		return report, nil
	}
	defer release()

	now := s.clock.Now().UTC()
	invoices, err := s.invoiceRepo.ListDueForSweep(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, inv := range invoices {
		report.Candidates = append(report.Candidates, inv.ID)
	}
	if dryRun {
		return report, nil
	}

	run := jobRunFromContext(ctx)
	sweepCtx := reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerSweep)
	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := s.reconciler.Reconcile(sweepCtx, inv.ID)
		if err != nil {
			report.Failed++
			s.logInvoiceError(ctx, "overdue sweep reconcile failed", inv.ID, err)
			continue
		}
		if result.StatusChanged() {
			report.Changed++
		}
	}
	run.AddProcessed(len(invoices) - report.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobOverdueSweep, "invoices", len(invoices)-report.Failed)
	return report, nil
}

// SendDueReminders walks unpaid invoices and sends the reminders the policy
// says are due, recording each one on the invoice.
func (s *Scheduler) SendDueReminders(ctx context.Context) error {
	if s.sender == nil {
		return nil
	}
	policy := s.reminders.Get()
	if !policy.Enabled {
		return nil
	}
	ctx = s.withLogContext(ctx)

	release, acquired, err := s.acquire(ctx, JobPaymentReminders)
	if err != nil {
		return err
	}
	if !acquired {
		obsmetrics.Scheduler().IncBatchDeferred(JobPaymentReminders, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		jobRunFromContext(ctx).MarkSkipped()
		return nil
	}
	defer release()

	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	var afterID snowflake.ID
	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		invoices, err := s.invoiceRepo.ListReminderCandidates(ctx, s.db, afterID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			afterID = inv.ID
			next, ok := NextReminderAt(inv, policy)
			if !ok || next.After(now) {
				continue
			}
			if err := s.sender.SendReminder(ctx, inv); err != nil {
				s.logInvoiceError(ctx, "payment reminder failed", inv.ID, err)
				continue
			}
			if err := s.invoiceRepo.RecordReminder(ctx, s.db, inv.ID, now); err != nil {
				s.logInvoiceError(ctx, "payment reminder not recorded", inv.ID, err)
				continue
			}
			sent++
		}
		if len(invoices) < s.cfg.BatchSize {
			break
		}
	}
	run.AddProcessed(sent)
	obsmetrics.Scheduler().AddBatchProcessed(JobPaymentReminders, "invoices", sent)
	return nil
}

// acquire takes the job lock. Without a Locker the job runs unguarded.
func (s *Scheduler) acquire(ctx context.Context, job string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := fmt.Sprintf(sweepLockKey, job)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.SweepLockTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("failed to release scheduler lock", zap.String("key", key), zap.Error(err))
		}
	}, true, nil
}
