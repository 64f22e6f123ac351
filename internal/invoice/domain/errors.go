package domain

import "errors"

var (
	ErrNotFound              = errors.New("invoice_not_found")
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidInvoiceID      = errors.New("invalid_invoice_id")
	ErrInvalidClient         = errors.New("invalid_client")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidItems          = errors.New("invalid_items")
	ErrInvalidDueDate        = errors.New("invalid_due_date")
	ErrDuplicateNumber       = errors.New("duplicate_invoice_number")
	ErrInvoiceHasPayments    = errors.New("invoice_has_payments")
	ErrInvalidTransition     = errors.New("invalid_status_transition")
	ErrInvalidDocumentStatus = errors.New("invalid_document_status")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
)
