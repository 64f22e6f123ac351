package domain

// InvoiceStatus is the payment state of an invoice. It is derived from the
// payment ledger by reconciliation and never assigned anywhere else.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusOpen          InvoiceStatus = "OPEN"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft,
		InvoiceStatusOpen,
		InvoiceStatusPartiallyPaid,
		InvoiceStatusPaid,
		InvoiceStatusOverdue,
		InvoiceStatusVoid,
		InvoiceStatusCancelled:
		return true
	}
	return false
}

// Terminal reports statuses set by an administrative action rather than by payments.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusVoid || s == InvoiceStatusCancelled
}

// DocumentStatus tracks the delivery and signature workflow of the invoice
// document. It is independent of InvoiceStatus.
type DocumentStatus string

const (
	DocumentStatusDraft    DocumentStatus = "DRAFT"
	DocumentStatusSent     DocumentStatus = "SENT"
	DocumentStatusViewed   DocumentStatus = "VIEWED"
	DocumentStatusSigned   DocumentStatus = "SIGNED"
	DocumentStatusDeclined DocumentStatus = "DECLINED"
)

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusDraft:  {DocumentStatusSent},
	DocumentStatusSent:   {DocumentStatusSent, DocumentStatusViewed, DocumentStatusSigned, DocumentStatusDeclined},
	DocumentStatusViewed: {DocumentStatusViewed, DocumentStatusSigned, DocumentStatusDeclined},
}

// CanTransition reports whether the document workflow allows from -> to.
// Resending (SENT -> SENT) and repeated views are allowed.
func (from DocumentStatus) CanTransition(to DocumentStatus) bool {
	for _, allowed := range documentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
