package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository exposes invoice persistence. It has no way to write
// amount_paid, status or paid_at.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	// FindForUpdate loads an invoice by id and holds its row lock until the
	// surrounding transaction ends.
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	MarkIssued(ctx context.Context, db *gorm.DB, id snowflake.ID, issuedAt time.Time) error
	MarkVoided(ctx context.Context, db *gorm.DB, id snowflake.ID, voidedAt time.Time) error
	MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) error
	UpdateDocumentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status DocumentStatus, sentAt *time.Time, now time.Time) error
	RecordReminder(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt time.Time) error
	CountPayments(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListDueForSweep(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
	// ListReminderCandidates pages through unpaid invoices with a due date, by id.
	ListReminderCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Invoice, error)
}

// ReminderSender delivers a payment reminder for an unpaid invoice.
type ReminderSender interface {
	SendReminder(ctx context.Context, invoice Invoice) error
}
