package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByProviderKey(ctx context.Context, db *gorm.DB, provider, providerPaymentID string) (*Payment, error)
	// Insert returns false when a row with the same provider key already exists.
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	UpdateState(ctx context.Context, db *gorm.DB, payment *Payment) error
	HasSucceededManual(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Payment, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome, errMsg string, invoiceID *snowflake.ID, processedAt time.Time) error
}
