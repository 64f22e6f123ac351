package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	"github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) AggregatePayments(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (domain.Totals, error) {
	var row struct {
		Gross    decimal.Decimal `gorm:"column:gross"`
		Refunded decimal.Decimal `gorm:"column:refunded"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS gross,
		        COALESCE(SUM(refunded_amount), 0) AS refunded
		 FROM payments
		 WHERE invoice_id = ? AND status IN ?`,
		invoiceID,
		paymentdomain.SettledStatuses,
	).Scan(&row).Error
	if err != nil {
		return domain.Totals{}, err
	}
	return domain.Totals{Gross: row.Gross, Refunded: row.Refunded}, nil
}

func (r *repo) UpdateSettlement(
	ctx context.Context,
	db *gorm.DB,
	invoiceID snowflake.ID,
	amountPaid decimal.Decimal,
	status invoicedomain.InvoiceStatus,
	paidAt *time.Time,
	now time.Time,
) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET amount_paid = ?, status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ?`,
		amountPaid,
		status,
		paidAt,
		now,
		invoiceID,
	).Error
}
