package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"github.com/smallbiznis/clientdesk/pkg/telemetry/correlation"
)

const (
	TypePaymentState = "invoice:payment_state"
	TypeReminder     = "invoice:reminder"
)

const (
	QueueDefault = "default"
	QueueLow     = "low"
)

// PaymentStatePayload is enqueued after a committed status change.
type PaymentStatePayload struct {
	InvoiceID      string            `json:"invoice_id"`
	OrgID          string            `json:"org_id"`
	Status         string            `json:"status"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	AmountPaid     string            `json:"amount_paid"`
	Currency       string            `json:"currency,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

type ReminderPayload struct {
	InvoiceID string            `json:"invoice_id"`
	OrgID     string            `json:"org_id"`
	Sequence  int               `json:"sequence"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func NewPaymentStateTask(ctx context.Context, result reconciliationdomain.Result) (*asynq.Task, error) {
	payload, err := json.Marshal(PaymentStatePayload{
		InvoiceID:      result.InvoiceID.String(),
		OrgID:          result.OrgID.String(),
		Status:         string(result.Status),
		PreviousStatus: string(result.PreviousStatus),
		AmountPaid:     result.AmountPaid.String(),
		Currency:       result.Currency,
		Headers:        correlation.Headers(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payment state payload: %w", err)
	}
	return asynq.NewTask(TypePaymentState, payload), nil
}

func NewReminderTask(ctx context.Context, invoice invoicedomain.Invoice) (*asynq.Task, error) {
	payload, err := json.Marshal(ReminderPayload{
		InvoiceID: invoice.ID.String(),
		OrgID:     invoice.OrgID.String(),
		Sequence:  invoice.ReminderCount + 1,
		Headers:   correlation.Headers(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reminder payload: %w", err)
	}
	return asynq.NewTask(TypeReminder, payload), nil
}
