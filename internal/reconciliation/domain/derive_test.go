package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)
	hundred := decimal.RequireFromString("100.00")

	cases := []struct {
		name string
		in   StatusInput
		want invoicedomain.InvoiceStatus
	}{
		{
			name: "exactly paid",
			in:   StatusInput{NetPaid: hundred, Total: hundred, Now: now},
			want: invoicedomain.InvoiceStatusPaid,
		},
		{
			name: "overpaid",
			in:   StatusInput{NetPaid: decimal.RequireFromString("120"), Total: hundred, Now: now},
			want: invoicedomain.InvoiceStatusPaid,
		},
		{
			name: "partial beats overdue",
			in:   StatusInput{NetPaid: decimal.RequireFromString("0.01"), Total: hundred, DueDate: &yesterday, Now: now},
			want: invoicedomain.InvoiceStatusPartiallyPaid,
		},
		{
			name: "past due without payment",
			in:   StatusInput{NetPaid: decimal.Zero, Total: hundred, DueDate: &yesterday, Now: now},
			want: invoicedomain.InvoiceStatusOverdue,
		},
		{
			name: "due exactly now is not overdue",
			in:   StatusInput{NetPaid: decimal.Zero, Total: hundred, DueDate: &now, Now: now},
			want: invoicedomain.InvoiceStatusOpen,
		},
		{
			name: "not yet due",
			in:   StatusInput{NetPaid: decimal.Zero, Total: hundred, DueDate: &tomorrow, Now: now},
			want: invoicedomain.InvoiceStatusOpen,
		},
		{
			name: "no due date",
			in:   StatusInput{NetPaid: decimal.Zero, Total: hundred, Now: now},
			want: invoicedomain.InvoiceStatusOpen,
		},
		{
			name: "zero total invoice is paid",
			in:   StatusInput{NetPaid: decimal.Zero, Total: decimal.Zero, Now: now},
			want: invoicedomain.InvoiceStatusPaid,
		},
		{
			name: "cancel wins over paid",
			in:   StatusInput{NetPaid: hundred, Total: hundred, Canceled: true, Now: now},
			want: invoicedomain.InvoiceStatusCancelled,
		},
		{
			name: "void wins over paid",
			in:   StatusInput{NetPaid: hundred, Total: hundred, Voided: true, Now: now},
			want: invoicedomain.InvoiceStatusVoid,
		},
		{
			name: "cancel wins over void",
			in:   StatusInput{NetPaid: decimal.Zero, Total: hundred, Voided: true, Canceled: true, Now: now},
			want: invoicedomain.InvoiceStatusCancelled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.in))
		})
	}
}

func TestNetPaidNeverNegative(t *testing.T) {
	totals := Totals{Gross: decimal.RequireFromString("10"), Refunded: decimal.RequireFromString("25")}
	assert.True(t, totals.NetPaid().IsZero())

	totals = Totals{Gross: decimal.RequireFromString("60.10"), Refunded: decimal.RequireFromString("0.10")}
	assert.True(t, totals.NetPaid().Equal(decimal.RequireFromString("60")))
}

func TestNetPaidDoesNotDriftOverManyRefunds(t *testing.T) {
	gross := decimal.Zero
	refunded := decimal.Zero
	cent := decimal.RequireFromString("0.10")
	for i := 0; i < 1000; i++ {
		gross = gross.Add(cent)
		refunded = refunded.Add(cent)
	}
	assert.True(t, Totals{Gross: gross, Refunded: refunded}.NetPaid().IsZero())
	assert.True(t, gross.Equal(decimal.RequireFromString("100")))
}

func TestNextPaidAtIsMonotonic(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	assert.Nil(t, NextPaidAt(nil, invoicedomain.InvoiceStatusPartiallyPaid, later))

	stamped := NextPaidAt(nil, invoicedomain.InvoiceStatusPaid, first)
	if assert.NotNil(t, stamped) {
		assert.True(t, stamped.Equal(first))
	}

	assert.Equal(t, &first, NextPaidAt(&first, invoicedomain.InvoiceStatusOpen, later))
	assert.Equal(t, &first, NextPaidAt(&first, invoicedomain.InvoiceStatusPaid, later))
}
