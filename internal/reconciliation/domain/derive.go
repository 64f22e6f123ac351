package domain

import (
	"time"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
)

// StatusInput is everything the payment status depends on.
type StatusInput struct {
	NetPaid  decimal.Decimal
	Total    decimal.Decimal
	DueDate  *time.Time
	Now      time.Time
	Voided   bool
	Canceled bool
}

// DeriveStatus maps ledger and document facts to a payment status.
//
// Administrative flags come first (cancel, then void). Otherwise the first
// matching rule wins: fully paid, partially paid, past due, open. Whether the
// invoice was issued plays no part.
func DeriveStatus(in StatusInput) invoicedomain.InvoiceStatus {
	switch {
	case in.Canceled:
		return invoicedomain.InvoiceStatusCancelled
	case in.Voided:
		return invoicedomain.InvoiceStatusVoid
	case in.NetPaid.GreaterThanOrEqual(in.Total):
		return invoicedomain.InvoiceStatusPaid
	case in.NetPaid.IsPositive():
		return invoicedomain.InvoiceStatusPartiallyPaid
	case in.DueDate != nil && in.DueDate.Before(in.Now):
		return invoicedomain.InvoiceStatusOverdue
	default:
		return invoicedomain.InvoiceStatusOpen
	}
}

// NextPaidAt keeps paidAt monotonic: it is stamped the first time the invoice
// is PAID and never cleared or moved afterwards.
func NextPaidAt(current *time.Time, status invoicedomain.InvoiceStatus, now time.Time) *time.Time {
	if current != nil {
		return current
	}
	if status != invoicedomain.InvoiceStatusPaid {
		return nil
	}
	stamp := now.UTC()
	return &stamp
}
