package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/clock"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	"github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"github.com/smallbiznis/clientdesk/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	InvoiceRepo invoicedomain.Repository
	Repo        domain.Repository
	Retry       db.RetryPolicy               `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
	Scheduler   *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	invoiceRepo invoicedomain.Repository
	repo        domain.Repository
	retry       db.RetryPolicy
	obsMetrics  *obsmetrics.Metrics
	scheduler   *obsmetrics.SchedulerMetrics
	tracer      trace.Tracer
}

func NewService(p Params) domain.Service {
	retry := p.Retry
	if retry.MaxAttempts == 0 {
		retry = db.DefaultRetryPolicy()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconciliation.service"),
		clock:       p.Clock,
		invoiceRepo: p.InvoiceRepo,
		repo:        p.Repo,
		retry:       retry,
		obsMetrics:  p.ObsMetrics,
		scheduler:   p.Scheduler,
		tracer:      otel.Tracer("clientdesk/reconciliation"),
	}
}

func (s *Service) Reconcile(ctx context.Context, invoiceID snowflake.ID) (domain.Result, error) {
	var result domain.Result
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		var err error
		result, err = s.ReconcileTx(ctx, tx, invoiceID)
		return err
	})
	if err != nil {
		if db.IsSerializationFailure(err) {
			return domain.Result{}, errors.Join(domain.ErrTransactionConflict, err)
		}
		return domain.Result{}, err
	}
	return result, nil
}

func (s *Service) ReconcileTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.Reconcile",
		trace.WithAttributes(attribute.Int64("invoice.id", invoiceID.Int64())))
	defer span.End()

	start := time.Now()
	if invoiceID == 0 {
		return domain.Result{}, invoicedomain.ErrNotFound
	}

	invoice, err := s.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return domain.Result{}, err
	}
	if invoice == nil {
		return domain.Result{}, invoicedomain.ErrNotFound
	}

	totals, err := s.repo.AggregatePayments(ctx, tx, invoiceID)
	if err != nil {
		return domain.Result{}, err
	}

	now := s.clock.Now().UTC()
	netPaid := totals.NetPaid()
	status := domain.DeriveStatus(domain.StatusInput{
		NetPaid:  netPaid,
		Total:    invoice.Total,
		DueDate:  invoice.DueDate,
		Now:      now,
		Voided:   invoice.VoidedAt != nil,
		Canceled: invoice.CanceledAt != nil,
	})
	paidAt := domain.NextPaidAt(invoice.PaidAt, status, now)

	result := domain.Result{
		InvoiceID:      invoice.ID,
		OrgID:          invoice.OrgID,
		Status:         status,
		PreviousStatus: invoice.Status,
		AmountPaid:     netPaid,
		Total:          invoice.Total,
		Currency:       invoice.Currency,
		PaidAt:         paidAt,
	}

	unchanged := invoice.Status == status &&
		invoice.AmountPaid.Equal(netPaid) &&
		samePaidAt(invoice.PaidAt, paidAt)
	if !unchanged {
		if err := s.repo.UpdateSettlement(ctx, tx, invoice.ID, netPaid, status, paidAt, now); err != nil {
			return domain.Result{}, err
		}
		result.Changed = true
	}

	span.SetAttributes(
		attribute.String("invoice.status", string(status)),
		attribute.Bool("reconcile.changed", result.Changed),
	)
	s.obsMetrics.RecordReconciliation(ctx, string(status), result.Changed)
	s.scheduler.IncStatusTransition(string(invoice.Status), string(status))
	s.scheduler.ObserveReconcile(domain.TriggerFromContext(ctx), time.Since(start))

	if result.Changed {
		obslogger.WithContext(ctx, s.log).Info("invoice reconciled",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("from_status", string(invoice.Status)),
			zap.String("to_status", string(status)),
			zap.String("amount_paid", netPaid.String()),
		)
	}
	return result, nil
}

func samePaidAt(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
