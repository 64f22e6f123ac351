package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	"gorm.io/gorm"
)

// ErrTransactionConflict is returned when the database kept rejecting the
// unit of work with serialization failures after all retries.
var ErrTransactionConflict = errors.New("transaction_conflict")

// Result is the authoritative payment state of an invoice after reconciliation.
type Result struct {
	InvoiceID      snowflake.ID                `json:"invoice_id"`
	OrgID          snowflake.ID                `json:"org_id"`
	Status         invoicedomain.InvoiceStatus `json:"status"`
	PreviousStatus invoicedomain.InvoiceStatus `json:"previous_status"`
	AmountPaid     decimal.Decimal             `json:"amount_paid"`
	Total          decimal.Decimal             `json:"total"`
	Currency       string                      `json:"currency"`
	PaidAt         *time.Time                  `json:"paid_at,omitempty"`
	// Changed is false when the stored row already matched and no write happened.
	Changed bool `json:"changed"`
}

// StatusChanged reports whether the derived status differs from the stored one.
func (r Result) StatusChanged() bool {
	return r.Status != r.PreviousStatus
}

// Totals is the ledger aggregate for one invoice over settled payments.
type Totals struct {
	Gross    decimal.Decimal
	Refunded decimal.Decimal
}

// NetPaid is max(0, gross - refunded).
func (t Totals) NetPaid() decimal.Decimal {
	net := t.Gross.Sub(t.Refunded)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// Service recomputes invoice payment state from the ledger. It is the only
// writer of invoice status, amount_paid and paid_at.
type Service interface {
	// Reconcile runs in its own transaction, retrying serialization conflicts.
	Reconcile(ctx context.Context, invoiceID snowflake.ID) (Result, error)
	// ReconcileTx runs inside the caller's transaction so the ledger write and
	// the invoice update commit together.
	ReconcileTx(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (Result, error)
}

// Repository reads the ledger aggregate and writes the derived fields.
type Repository interface {
	AggregatePayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (Totals, error)
	UpdateSettlement(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, amountPaid decimal.Decimal, status invoicedomain.InvoiceStatus, paidAt *time.Time, now time.Time) error
}
