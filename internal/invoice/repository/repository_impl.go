package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) MarkIssued(ctx context.Context, db *gorm.DB, id snowflake.ID, issuedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET issued_at = ?, updated_at = ?
		 WHERE id = ? AND issued_at IS NULL`,
		issuedAt,
		issuedAt,
		id,
	).Error
}

func (r *repo) MarkVoided(ctx context.Context, db *gorm.DB, id snowflake.ID, voidedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET voided_at = ?, updated_at = ?
		 WHERE id = ? AND voided_at IS NULL`,
		voidedAt,
		voidedAt,
		id,
	).Error
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET canceled_at = ?, updated_at = ?
		 WHERE id = ? AND canceled_at IS NULL`,
		canceledAt,
		canceledAt,
		id,
	).Error
}

func (r *repo) UpdateDocumentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.DocumentStatus, sentAt *time.Time, now time.Time) error {
	updates := map[string]any{
		"document_status": status,
		"updated_at":      now,
	}
	if sentAt != nil {
		updates["sent_at"] = *sentAt
	}
	return db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) RecordReminder(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET last_reminder_sent_at = ?, reminder_count = reminder_count + 1, updated_at = ?
		 WHERE id = ?`,
		sentAt,
		sentAt,
		id,
	).Error
}

func (r *repo) CountPayments(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE invoice_id = ?`,
		id,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM invoice_items WHERE invoice_id = ?`, id).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(`DELETE FROM invoices WHERE id = ?`, id).Error
}

// ListDueForSweep returns issued invoices whose stored status lags the clock:
// OPEN past due, or OVERDUE without a past due date.
func (r *repo) ListDueForSweep(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).
		Where("issued_at IS NOT NULL AND voided_at IS NULL AND canceled_at IS NULL").
		Where("(status = ? AND due_date IS NOT NULL AND due_date < ?) OR (status = ? AND (due_date IS NULL OR due_date >= ?))",
			domain.InvoiceStatusOpen, now, domain.InvoiceStatusOverdue, now).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) ListReminderCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).
		Where("status IN ?", []domain.InvoiceStatus{
			domain.InvoiceStatusOpen,
			domain.InvoiceStatusPartiallyPaid,
			domain.InvoiceStatusOverdue,
		}).
		Where("due_date IS NOT NULL AND id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
