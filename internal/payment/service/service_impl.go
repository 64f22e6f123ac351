package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"github.com/smallbiznis/clientdesk/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Clock       clock.Clock
	GenID       *snowflake.Node
	Repo        paymentdomain.Repository
	InvoiceRepo invoicedomain.Repository
	Reconciler  reconciliationdomain.Service
	Notifier    paymentdomain.Notifier `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	repo        paymentdomain.Repository
	invoiceRepo invoicedomain.Repository
	reconciler  reconciliationdomain.Service
	notifier    paymentdomain.Notifier
	obsMetrics  *obsmetrics.Metrics
	retry       db.RetryPolicy
}

func NewService(p Params) paymentdomain.Ingestor {
	retry := db.RetryPolicy{
		MaxAttempts: p.Cfg.Ingest.MaxAttempts,
		Backoff:     p.Cfg.Ingest.RetryBackoff,
	}
	if retry.MaxAttempts <= 0 {
		retry = db.DefaultRetryPolicy()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		reconciler:  p.Reconciler,
		notifier:    p.Notifier,
		obsMetrics:  p.ObsMetrics,
		retry:       retry,
	}
}

func (s *Service) Ingest(ctx context.Context, event paymentdomain.Event) (paymentdomain.IngestResult, error) {
	switch typed := event.(type) {
	case paymentdomain.ExternalPaymentEvent:
		return s.IngestExternal(ctx, typed)
	case *paymentdomain.ExternalPaymentEvent:
		if typed == nil {
			return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidEvent
		}
		return s.IngestExternal(ctx, *typed)
	case paymentdomain.ManualPaymentMark:
		return s.MarkPaid(ctx, typed)
	case *paymentdomain.ManualPaymentMark:
		if typed == nil {
			return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidEvent
		}
		return s.MarkPaid(ctx, *typed)
	default:
		return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) IngestExternal(ctx context.Context, event paymentdomain.ExternalPaymentEvent) (paymentdomain.IngestResult, error) {
	if err := normalizeExternal(&event); err != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, "external", paymentdomain.OutcomeInvalid)
		return paymentdomain.IngestResult{}, err
	}
	if reconciliationdomain.TriggerFromContext(ctx) == reconciliationdomain.TriggerAPI {
		ctx = reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerWebhook)
	}

	var result paymentdomain.IngestResult
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.applyExternal(ctx, tx, event)
		return err
	})
	if err != nil {
		if paymentdomain.IsInvalidEvent(err) {
			s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, "external", paymentdomain.OutcomeInvalid)
		}
		return paymentdomain.IngestResult{}, err
	}

	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, "external", result.Outcome)
	s.notify(ctx, result)
	return result, nil
}

func (s *Service) MarkPaid(ctx context.Context, mark paymentdomain.ManualPaymentMark) (paymentdomain.IngestResult, error) {
	if err := normalizeManual(&mark); err != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, paymentdomain.ProviderManual, "manual", paymentdomain.OutcomeInvalid)
		return paymentdomain.IngestResult{}, err
	}
	ctx = reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerManual)

	var result paymentdomain.IngestResult
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.applyManual(ctx, tx, mark)
		return err
	})
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}

	s.obsMetrics.RecordPaymentEvent(ctx, paymentdomain.ProviderManual, "manual", result.Outcome)
	s.notify(ctx, result)
	return result, nil
}

func (s *Service) ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]paymentdomain.Payment, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	return s.repo.ListByInvoice(ctx, s.db, invoiceID)
}

func (s *Service) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := db.Transaction(ctx, s.db, s.retry, fn)
	if err != nil && db.IsSerializationFailure(err) {
		return errors.Join(paymentdomain.ErrTransactionConflict, err)
	}
	return err
}

func (s *Service) applyExternal(ctx context.Context, tx *gorm.DB, event paymentdomain.ExternalPaymentEvent) (paymentdomain.IngestResult, error) {
	invoice, err := s.lockInvoice(ctx, tx, event.InvoiceID, event.ClientID, event.Currency)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}

	now := s.clock.Now().UTC()
	existing, err := s.repo.FindByProviderKey(ctx, tx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}

	outcome := paymentdomain.OutcomeApplied
	var paymentID snowflake.ID
	if existing == nil {
		payment := s.newExternalPayment(invoice, event, now)
		inserted, err := s.repo.Insert(ctx, tx, payment)
		if err != nil {
			return paymentdomain.IngestResult{}, err
		}
		if inserted {
			paymentID = payment.ID
		} else {
			// Lost a race with a concurrent insert of the same provider key.
			existing, err = s.repo.FindByProviderKey(ctx, tx, event.Provider, event.ProviderPaymentID)
			if err != nil {
				return paymentdomain.IngestResult{}, err
			}
			if existing == nil {
				return paymentdomain.IngestResult{}, fmt.Errorf("payment %s/%s vanished after insert conflict", event.Provider, event.ProviderPaymentID)
			}
		}
	}

	if existing != nil {
		paymentID = existing.ID
		outcome, err = s.mergeExternal(ctx, tx, existing, event, now)
		if err != nil {
			return paymentdomain.IngestResult{}, err
		}
	}

	reconciled, err := s.reconciler.ReconcileTx(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	return paymentdomain.IngestResult{
		Result:    reconciled,
		PaymentID: paymentID,
		Outcome:   outcome,
	}, nil
}

// mergeExternal applies event onto an existing ledger row. Refunds only move
// forward and settled payments never fall back to pending or failed.
func (s *Service) mergeExternal(
	ctx context.Context,
	tx *gorm.DB,
	existing *paymentdomain.Payment,
	event paymentdomain.ExternalPaymentEvent,
	now time.Time,
) (string, error) {
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_payment_id", event.ProviderPaymentID),
		zap.String("payment_id", existing.ID.String()),
	)

	if existing.InvoiceID != event.InvoiceID {
		return "", fmt.Errorf("%w: payment belongs to invoice %s", paymentdomain.ErrInvalidEvent, existing.InvoiceID)
	}
	if !strings.EqualFold(existing.Currency, event.Currency) {
		return "", fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidCurrency)
	}

	refunded := existing.RefundedAmount
	if event.RefundedAmount != nil {
		if event.RefundedAmount.LessThan(existing.RefundedAmount) {
			log.Warn("stale refund event ignored",
				zap.String("stored_refunded", existing.RefundedAmount.String()),
				zap.String("event_refunded", event.RefundedAmount.String()),
			)
			s.obsMetrics.RecordStaleRefund(ctx, event.Provider)
			return paymentdomain.OutcomeStale, nil
		}
		refunded = *event.RefundedAmount
	}

	if existing.Status.Settled() && !event.Status.Settled() {
		log.Warn("out of order payment event ignored",
			zap.String("stored_status", string(existing.Status)),
			zap.String("event_status", string(event.Status)),
		)
		return paymentdomain.OutcomeStale, nil
	}

	amount := existing.Amount
	if !existing.Status.Settled() {
		amount = event.Amount
	}
	if refunded.GreaterThan(amount) {
		return "", fmt.Errorf("%w: refunded %s exceeds amount %s", paymentdomain.ErrInvalidEvent, refunded, amount)
	}

	status := event.Status
	if status.Settled() {
		status = paymentdomain.SettledStatus(amount, refunded)
	}

	paidAt := existing.PaidAt
	if status.Settled() && paidAt == nil {
		paidAt = paidAtFor(event, now)
	}

	if existing.Status == status &&
		existing.Amount.Equal(amount) &&
		existing.RefundedAmount.Equal(refunded) {
		return paymentdomain.OutcomeDuplicate, nil
	}

	existing.Status = status
	existing.Amount = amount
	existing.RefundedAmount = refunded
	existing.PaidAt = paidAt
	existing.UpdatedAt = now
	if err := s.repo.UpdateState(ctx, tx, existing); err != nil {
		return "", err
	}
	return paymentdomain.OutcomeApplied, nil
}

func (s *Service) newExternalPayment(invoice *invoicedomain.Invoice, event paymentdomain.ExternalPaymentEvent, now time.Time) *paymentdomain.Payment {
	refunded := decimal.Zero
	if event.RefundedAmount != nil {
		refunded = *event.RefundedAmount
	}
	status := event.Status
	var paidAt *time.Time
	if status.Settled() {
		status = paymentdomain.SettledStatus(event.Amount, refunded)
		paidAt = paidAtFor(event, now)
	}
	providerPaymentID := event.ProviderPaymentID

	var metadata datatypes.JSONMap
	if len(event.Metadata) > 0 {
		metadata = datatypes.JSONMap(event.Metadata)
	}

	return &paymentdomain.Payment{
		ID:                s.genID.Generate(),
		OrgID:             invoice.OrgID,
		InvoiceID:         invoice.ID,
		ClientID:          invoice.ClientID,
		Provider:          event.Provider,
		ProviderPaymentID: &providerPaymentID,
		Status:            status,
		Amount:            event.Amount,
		RefundedAmount:    refunded,
		Currency:          invoice.Currency,
		PaidAt:            paidAt,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *Service) applyManual(ctx context.Context, tx *gorm.DB, mark paymentdomain.ManualPaymentMark) (paymentdomain.IngestResult, error) {
	invoice, err := s.lockInvoice(ctx, tx, mark.InvoiceID, mark.ClientID, mark.Currency)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	if invoice.VoidedAt != nil || invoice.CanceledAt != nil {
		return paymentdomain.IngestResult{}, fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, invoicedomain.ErrInvalidTransition)
	}

	current, err := s.reconciler.ReconcileTx(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}

	alreadyMarked, err := s.repo.HasSucceededManual(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	topUp := invoice.Total.Sub(current.AmountPaid)
	if alreadyMarked || !topUp.IsPositive() {
		return paymentdomain.IngestResult{Result: current, Outcome: paymentdomain.OutcomeAlreadyPaid}, nil
	}
	if mark.Amount != nil && !mark.Amount.Equal(topUp) {
		return paymentdomain.IngestResult{}, fmt.Errorf("%w: %w: expected %s", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount, topUp)
	}

	now := s.clock.Now().UTC()
	var metadata datatypes.JSONMap
	if mark.Note != "" {
		metadata = datatypes.JSONMap{"note": mark.Note}
	}
	payment := &paymentdomain.Payment{
		ID:             s.genID.Generate(),
		OrgID:          invoice.OrgID,
		InvoiceID:      invoice.ID,
		ClientID:       invoice.ClientID,
		Provider:       paymentdomain.ProviderManual,
		Status:         paymentdomain.PaymentStatusSucceeded,
		Amount:         topUp,
		RefundedAmount: decimal.Zero,
		Currency:       invoice.Currency,
		PaidAt:         &now,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.repo.Insert(ctx, tx, payment); err != nil {
		return paymentdomain.IngestResult{}, err
	}

	reconciled, err := s.reconciler.ReconcileTx(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	reconciled.PreviousStatus = current.PreviousStatus
	reconciled.Changed = reconciled.Changed || current.Changed

	obslogger.WithContext(ctx, s.log).Info("invoice marked paid",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount", topUp.String()),
	)
	return paymentdomain.IngestResult{
		Result:    reconciled,
		PaymentID: payment.ID,
		Outcome:   paymentdomain.OutcomeApplied,
	}, nil
}

// lockInvoice takes the invoice row lock and checks that the event belongs to it.
func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, invoiceID, clientID snowflake.ID, currency string) (*invoicedomain.Invoice, error) {
	invoice, err := s.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrNotFound
	}
	if clientID != 0 && clientID != invoice.ClientID {
		return nil, fmt.Errorf("%w: client does not own invoice", paymentdomain.ErrInvalidEvent)
	}
	if currency != "" && !strings.EqualFold(currency, invoice.Currency) {
		return nil, fmt.Errorf("%w: %w: %s does not match invoice currency %s", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidCurrency, currency, invoice.Currency)
	}
	return invoice, nil
}

// notify runs after commit for any write to status or amount_paid; its
// failures stay in the logs.
func (s *Service) notify(ctx context.Context, result paymentdomain.IngestResult) {
	if s.notifier == nil || !result.Changed {
		return
	}
	s.notifier.NotifyPaymentState(ctx, result.Result)
}

func normalizeExternal(event *paymentdomain.ExternalPaymentEvent) error {
	event.Provider = paymentdomain.NormalizeProvider(event.Provider)
	event.ProviderPaymentID = strings.TrimSpace(event.ProviderPaymentID)
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))
	event.Status = paymentdomain.PaymentStatus(strings.ToLower(strings.TrimSpace(string(event.Status))))

	switch {
	case event.Provider == "" || event.Provider == paymentdomain.ProviderManual:
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidProvider)
	case event.ProviderPaymentID == "":
		return fmt.Errorf("%w: missing provider payment id", paymentdomain.ErrInvalidEvent)
	case event.InvoiceID == 0:
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, invoicedomain.ErrInvalidInvoiceID)
	case event.Currency == "":
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidCurrency)
	case !event.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", paymentdomain.ErrInvalidEvent, event.Status)
	case event.Amount.IsNegative():
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount)
	}

	if event.RefundedAmount == nil {
		switch event.Status {
		case paymentdomain.PaymentStatusRefunded:
			full := event.Amount
			event.RefundedAmount = &full
		case paymentdomain.PaymentStatusPartiallyRefunded:
			return fmt.Errorf("%w: partial refund without refunded amount", paymentdomain.ErrInvalidEvent)
		}
		return nil
	}
	if event.RefundedAmount.IsNegative() || event.RefundedAmount.GreaterThan(event.Amount) {
		return fmt.Errorf("%w: %w: refunded amount out of range", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount)
	}
	return nil
}

func normalizeManual(mark *paymentdomain.ManualPaymentMark) error {
	mark.Currency = strings.ToUpper(strings.TrimSpace(mark.Currency))
	mark.Note = strings.TrimSpace(mark.Note)
	if mark.InvoiceID == 0 {
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, invoicedomain.ErrInvalidInvoiceID)
	}
	if mark.Amount != nil && !mark.Amount.IsPositive() {
		return fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount)
	}
	return nil
}

func paidAtFor(event paymentdomain.ExternalPaymentEvent, now time.Time) *time.Time {
	at := now
	if !event.OccurredAt.IsZero() {
		at = event.OccurredAt.UTC()
	}
	return &at
}
