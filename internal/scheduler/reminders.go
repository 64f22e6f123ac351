package scheduler

import (
	"time"

	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
)

// NextReminderAt returns when the next payment reminder for invoice is due.
// Before the due date reminders start BeforeDueLead ahead and repeat every
// BeforeDueRepeat, with one landing on the due date itself; after it they
// repeat every OverdueRepeat. ok is false when no reminder should be sent.
func NextReminderAt(invoice invoicedomain.Invoice, policy config.ReminderPolicy) (time.Time, bool) {
	if !policy.Enabled || invoice.DueDate == nil || invoice.IssuedAt == nil {
		return time.Time{}, false
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusOpen,
		invoicedomain.InvoiceStatusPartiallyPaid,
		invoicedomain.InvoiceStatusOverdue:
	default:
		return time.Time{}, false
	}
	if policy.MaxReminders > 0 && invoice.ReminderCount >= policy.MaxReminders {
		return time.Time{}, false
	}

	due := invoice.DueDate.UTC()
	last := invoice.LastReminderSentAt
	if last == nil {
		return due.Add(-policy.BeforeDueLead), true
	}

	sent := last.UTC()
	if sent.Before(due) {
		next := sent.Add(policy.BeforeDueRepeat)
		if next.After(due) {
			next = due
		}
		return next, true
	}
	return sent.Add(policy.OverdueRepeat), true
}
