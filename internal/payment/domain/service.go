package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
)

// IngestResult is the invoice state after an event was applied, plus what happened to the ledger.
type IngestResult struct {
	reconciliationdomain.Result
	PaymentID snowflake.ID `json:"payment_id,omitempty"`
	Outcome   string       `json:"outcome"`
}

// Ingestor turns payment events into ledger mutations and reconciles the
// affected invoice in the same transaction.
type Ingestor interface {
	Ingest(ctx context.Context, event Event) (IngestResult, error)
	IngestExternal(ctx context.Context, event ExternalPaymentEvent) (IngestResult, error)
	MarkPaid(ctx context.Context, mark ManualPaymentMark) (IngestResult, error)
	ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]Payment, error)
}

type WebhookResult struct {
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id,omitempty"`
	Outcome         string `json:"outcome"`
}

// WebhookService verifies provider deliveries, records them, and hands the
// normalized event to the Ingestor.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (WebhookResult, error)
}

// Notifier is told about committed payment state. Failures never reach the caller.
type Notifier interface {
	NotifyPaymentState(ctx context.Context, result reconciliationdomain.Result)
}
