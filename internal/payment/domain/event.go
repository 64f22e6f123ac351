package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Event is a ledger mutation request: ExternalPaymentEvent or ManualPaymentMark.
type Event interface {
	invoiceID() snowflake.ID
}

// ExternalPaymentEvent is a provider-reported payment state, already verified
// and normalized by a webhook adapter.
type ExternalPaymentEvent struct {
	Provider          string
	ProviderPaymentID string
	InvoiceID         snowflake.ID
	// ClientID is optional; when set it must match the invoice's client.
	ClientID snowflake.ID
	Amount   decimal.Decimal
	Currency string
	Status   PaymentStatus
	// RefundedAmount is cumulative. Nil means the event carries no refund information.
	RefundedAmount *decimal.Decimal
	OccurredAt     time.Time
	Metadata       map[string]any
}

func (e ExternalPaymentEvent) invoiceID() snowflake.ID { return e.InvoiceID }

// ManualPaymentMark is an operator "mark as paid" action. It tops the invoice up
// to its total once; when Amount is set it must equal the outstanding balance.
type ManualPaymentMark struct {
	InvoiceID snowflake.ID
	ClientID  snowflake.ID
	Amount    *decimal.Decimal
	Currency  string
	Note      string
}

func (m ManualPaymentMark) invoiceID() snowflake.ID { return m.InvoiceID }

// InvoiceIDOf returns the invoice an event targets.
func InvoiceIDOf(e Event) snowflake.ID {
	if e == nil {
		return 0
	}
	return e.invoiceID()
}

// WebhookEvent is what an adapter extracts from a provider delivery.
type WebhookEvent struct {
	ProviderEventID string
	EventType       string
	Payment         *ExternalPaymentEvent
	RawPayload      []byte
}
