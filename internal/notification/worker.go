package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obscontext "github.com/smallbiznis/clientdesk/internal/observability/context"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	"github.com/smallbiznis/clientdesk/internal/providers/email"
	"github.com/smallbiznis/clientdesk/internal/providers/pdf"
	"github.com/smallbiznis/clientdesk/internal/providers/storage"
	"github.com/smallbiznis/clientdesk/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MetadataBillingEmail is the invoice metadata key holding the payer address.
const MetadataBillingEmail = "billing_email"

type WorkerParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Clock       clock.Clock
	InvoiceRepo invoicedomain.Repository
	Email       email.Provider
	PDF         pdf.Provider
	Storage     storage.Uploader    `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

// Worker handles notification tasks.
type Worker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	invoiceRepo invoicedomain.Repository
	email       email.Provider
	pdf         pdf.Provider
	storage     storage.Uploader
	obsMetrics  *obsmetrics.Metrics
	receipts    config.ReceiptConfig
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:          p.DB,
		log:         p.Log.Named("notification.worker"),
		clock:       p.Clock,
		invoiceRepo: p.InvoiceRepo,
		email:       p.Email,
		pdf:         p.PDF,
		storage:     p.Storage,
		obsMetrics:  p.ObsMetrics,
		receipts:    p.Cfg.Receipts,
	}
}

// Register binds the task handlers to mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePaymentState, w.HandlePaymentState)
	mux.HandleFunc(TypeReminder, w.HandleReminder)
}

// HandlePaymentState sends the receipt once an invoice is fully paid. Other
// transitions are acknowledged without side effects.
func (w *Worker) HandlePaymentState(ctx context.Context, t *asynq.Task) error {
	var payload PaymentStatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payment state payload: %v: %w", err, asynq.SkipRetry)
	}
	ctx = w.taskContext(ctx, payload.Headers)
	log := obslogger.WithContext(ctx, w.log).With(
		zap.String("invoice_id", payload.InvoiceID),
		zap.String("status", payload.Status),
	)

	if invoicedomain.InvoiceStatus(payload.Status) != invoicedomain.InvoiceStatusPaid {
		log.Debug("payment state acknowledged")
		return nil
	}

	invoice, err := w.loadInvoice(ctx, payload.OrgID, payload.InvoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != invoicedomain.InvoiceStatusPaid {
		// A later payment event moved the invoice on before the task ran.
		log.Info("receipt skipped, invoice no longer paid", zap.String("current_status", string(invoice.Status)))
		return nil
	}

	receipt, err := w.pdf.GenerateReceipt(ctx, w.receiptData(*invoice))
	if err != nil {
		return fmt.Errorf("generate receipt: %w", err)
	}

	receiptKey := ""
	if w.storage != nil {
		key := storage.ReceiptKey(w.receipts.KeyPrefix, invoice.OrgID.String(), invoice.Number, w.paidAt(*invoice))
		receiptKey, err = w.storage.Upload(ctx, key, receipt, "application/pdf")
		if err != nil {
			return fmt.Errorf("upload receipt: %w", err)
		}
	}

	to := recipient(*invoice)
	if to == "" {
		w.obsMetrics.RecordNotification(ctx, payload.Status, "no_recipient")
		log.Info("receipt email skipped, no billing email", zap.String("receipt_key", receiptKey))
		return nil
	}
	err = w.email.SendTemplate(ctx, []string{to}, email.TemplatePaymentReceipt, map[string]any{
		"invoice_number": invoice.Number,
		"amount_paid":    invoice.AmountPaid.StringFixed(2),
		"currency":       invoice.Currency,
		"receipt_key":    receiptKey,
	})
	if err != nil {
		return fmt.Errorf("send receipt email: %w", err)
	}
	w.obsMetrics.RecordNotification(ctx, payload.Status, "delivered")
	log.Info("receipt sent", zap.String("receipt_key", receiptKey))
	return nil
}

// HandleReminder emails a payment reminder while the invoice is still unpaid.
func (w *Worker) HandleReminder(ctx context.Context, t *asynq.Task) error {
	var payload ReminderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal reminder payload: %v: %w", err, asynq.SkipRetry)
	}
	ctx = w.taskContext(ctx, payload.Headers)
	log := obslogger.WithContext(ctx, w.log).With(zap.String("invoice_id", payload.InvoiceID))

	invoice, err := w.loadInvoice(ctx, payload.OrgID, payload.InvoiceID)
	if err != nil {
		return err
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusOpen,
		invoicedomain.InvoiceStatusPartiallyPaid,
		invoicedomain.InvoiceStatusOverdue:
	default:
		log.Info("reminder skipped", zap.String("status", string(invoice.Status)))
		return nil
	}

	to := recipient(*invoice)
	if to == "" {
		log.Info("reminder skipped, no billing email")
		return nil
	}
	dueDate := ""
	if invoice.DueDate != nil {
		dueDate = invoice.DueDate.UTC().Format(time.DateOnly)
	}
	err = w.email.SendTemplate(ctx, []string{to}, email.TemplatePaymentReminder, map[string]any{
		"invoice_number": invoice.Number,
		"outstanding":    invoice.Outstanding().StringFixed(2),
		"currency":       invoice.Currency,
		"overdue":        invoice.Status == invoicedomain.InvoiceStatusOverdue,
		"due_date":       dueDate,
	})
	if err != nil {
		return fmt.Errorf("send reminder email: %w", err)
	}
	log.Info("reminder sent", zap.Int("sequence", payload.Sequence))
	return nil
}

func (w *Worker) taskContext(ctx context.Context, headers map[string]string) context.Context {
	ctx = correlation.ContextFromHeaders(ctx, headers)
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	return obscontext.WithActor(ctx, "system", "notification")
}

func (w *Worker) loadInvoice(ctx context.Context, rawOrgID, rawInvoiceID string) (*invoicedomain.Invoice, error) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(rawOrgID))
	if err != nil {
		return nil, fmt.Errorf("invalid org id %q: %w", rawOrgID, asynq.SkipRetry)
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(rawInvoiceID))
	if err != nil {
		return nil, fmt.Errorf("invalid invoice id %q: %w", rawInvoiceID, asynq.SkipRetry)
	}
	invoice, err := w.invoiceRepo.FindByID(ctx, w.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, asynq.SkipRetry)
	}
	return invoice, nil
}

func (w *Worker) receiptData(invoice invoicedomain.Invoice) pdf.ReceiptData {
	items := make([]pdf.ReceiptItem, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		items = append(items, pdf.ReceiptItem{
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.StringFixed(2),
			Amount:      item.Amount.StringFixed(2),
		})
	}
	return pdf.ReceiptData{
		CompanyName:   w.receipts.CompanyName,
		InvoiceNumber: invoice.Number,
		ClientRef:     invoice.ClientID.String(),
		Currency:      invoice.Currency,
		Total:         invoice.Total.StringFixed(2),
		AmountPaid:    invoice.AmountPaid.StringFixed(2),
		DatePaid:      w.paidAt(invoice).Format(time.DateOnly),
		Items:         items,
	}
}

func (w *Worker) paidAt(invoice invoicedomain.Invoice) time.Time {
	if invoice.PaidAt != nil {
		return invoice.PaidAt.UTC()
	}
	return w.clock.Now().UTC()
}

func recipient(invoice invoicedomain.Invoice) string {
	if invoice.Metadata == nil {
		return ""
	}
	value, ok := invoice.Metadata[MetadataBillingEmail].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
