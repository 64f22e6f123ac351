// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Invoice is a billable document. AmountPaid, Status and PaidAt are owned by
// reconciliation; everything else is managed by the invoice service.
type Invoice struct {
	ID                 snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID              snowflake.ID      `json:"org_id" gorm:"not null;uniqueIndex:ux_invoices_org_number"`
	ClientID           snowflake.ID      `json:"client_id" gorm:"not null;index"`
	Number             string            `json:"number" gorm:"type:text;not null;uniqueIndex:ux_invoices_org_number"`
	Currency           string            `json:"currency" gorm:"type:text;not null"`
	Total              decimal.Decimal   `json:"total" gorm:"type:numeric(19,4);not null"`
	AmountPaid         decimal.Decimal   `json:"amount_paid" gorm:"type:numeric(19,4);not null"`
	Status             InvoiceStatus     `json:"status" gorm:"type:text;not null;index"`
	DocumentStatus     DocumentStatus    `json:"document_status" gorm:"type:text;not null"`
	DueDate            *time.Time        `json:"due_date,omitempty"`
	IssuedAt           *time.Time        `json:"issued_at,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	VoidedAt           *time.Time        `json:"voided_at,omitempty"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	LastReminderSentAt *time.Time        `json:"last_reminder_sent_at,omitempty"`
	ReminderCount      int               `json:"reminder_count" gorm:"not null"`
	Memo               string            `json:"memo,omitempty" gorm:"type:text"`
	Metadata           datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time         `json:"updated_at" gorm:"not null"`

	Items []InvoiceItem `json:"items,omitempty" gorm:"foreignKey:InvoiceID"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Outstanding is the amount still owed, never negative.
func (i Invoice) Outstanding() decimal.Decimal {
	remaining := i.Total.Sub(i.AmountPaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrgID       snowflake.ID    `json:"org_id" gorm:"not null;index"`
	InvoiceID   snowflake.ID    `json:"invoice_id" gorm:"not null;index"`
	Description string          `json:"description" gorm:"type:text;not null"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:numeric(19,4);not null"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:numeric(19,4);not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(19,4);not null"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }
