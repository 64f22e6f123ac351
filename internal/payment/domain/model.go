package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ProviderManual = "manual"
	ProviderCard   = "card"
	ProviderOther  = "other"
	ProviderStripe = "stripe"
)

// NormalizeProvider lowercases and trims a provider key.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// SettledStatuses are the statuses that contribute to an invoice's paid amount.
var SettledStatuses = []PaymentStatus{
	PaymentStatusSucceeded,
	PaymentStatusPartiallyRefunded,
	PaymentStatusRefunded,
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending,
		PaymentStatusSucceeded,
		PaymentStatusFailed,
		PaymentStatusRefunded,
		PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) Settled() bool {
	for _, settled := range SettledStatuses {
		if s == settled {
			return true
		}
	}
	return false
}

// SettledStatus derives the stored status of a captured payment from its refund level.
func SettledStatus(amount, refunded decimal.Decimal) PaymentStatus {
	switch {
	case !refunded.IsPositive():
		return PaymentStatusSucceeded
	case refunded.GreaterThanOrEqual(amount):
		return PaymentStatusRefunded
	default:
		return PaymentStatusPartiallyRefunded
	}
}

// Payment is one row of the payment ledger. Rows are never deleted; refunds
// move RefundedAmount up and Status along succeeded -> partially_refunded -> refunded.
type Payment struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID      `json:"org_id" gorm:"not null;index"`
	InvoiceID         snowflake.ID      `json:"invoice_id" gorm:"not null;index"`
	ClientID          snowflake.ID      `json:"client_id" gorm:"not null;index"`
	Provider          string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payments_provider_payment_id"`
	ProviderPaymentID *string           `json:"provider_payment_id,omitempty" gorm:"type:text;uniqueIndex:ux_payments_provider_payment_id"`
	Status            PaymentStatus     `json:"status" gorm:"type:text;not null"`
	Amount            decimal.Decimal   `json:"amount" gorm:"type:numeric(19,4);not null"`
	RefundedAmount    decimal.Decimal   `json:"refunded_amount" gorm:"type:numeric(19,4);not null"`
	Currency          string            `json:"currency" gorm:"type:text;not null"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

const (
	OutcomeApplied     = "applied"
	OutcomeStale       = "stale"
	OutcomeAlreadyPaid = "already_paid"
	OutcomeDuplicate   = "duplicate"
	OutcomeInvalid     = "invalid"
	OutcomeIgnored     = "ignored"
)

// EventRecord is the raw audit trail of provider webhook deliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	InvoiceID       *snowflake.ID  `json:"invoice_id,omitempty" gorm:"index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome         string         `json:"outcome" gorm:"type:text"`
	Error           string         `json:"error,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "payment_events" }
