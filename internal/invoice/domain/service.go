package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/pkg/db/pagination"
)

type CreateInvoiceItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// CreateInvoiceRequest creates a DRAFT invoice. Total is computed from Items
// when items are given, otherwise Total is taken as is.
type CreateInvoiceRequest struct {
	ClientID string              `json:"client_id"`
	Number   string              `json:"number"`
	Currency string              `json:"currency"`
	Total    *decimal.Decimal    `json:"total,omitempty"`
	DueDate  *time.Time          `json:"due_date,omitempty"`
	Memo     string              `json:"memo,omitempty"`
	Items    []CreateInvoiceItem `json:"items,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

type ListInvoiceRequest struct {
	ClientID *snowflake.ID
	Status   *InvoiceStatus
	DueTo    *time.Time
	pagination.Pagination
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// Service manages invoice documents. Payment state changes go through
// reconciliation; Issue, Void and Cancel trigger it after their own writes.
type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	Issue(ctx context.Context, id string) (Invoice, error)
	Void(ctx context.Context, id string) (Invoice, error)
	Cancel(ctx context.Context, id string) (Invoice, error)
	Delete(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) (Invoice, error)
	MarkViewed(ctx context.Context, id string) (Invoice, error)
	RecordSignature(ctx context.Context, id string, signed bool) (Invoice, error)
}
