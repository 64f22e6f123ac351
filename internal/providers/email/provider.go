package email

import "context"

const (
	TemplatePaymentReceipt  = "payment_receipt"
	TemplatePaymentReminder = "payment_reminder"
)

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	// SendTemplate renders one of the embedded templates. A "subject" key in
	// data overrides the template's default subject.
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	return nil
}
