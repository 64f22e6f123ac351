// Package generic verifies already-normalized payment events posted by
// internal tooling and card terminals under the "other" provider key.
package generic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
)

const (
	SignatureHeader = "X-Clientdesk-Signature"
	signaturePrefix = "sha256="
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderOther
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, _ := cfg.Config["webhook_secret"].(string)
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{secret: []byte(secret)}, nil
}

type Adapter struct {
	secret []byte
}

// Sign returns the header value for payload. Callers posting events use it.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if !strings.HasPrefix(signature, signaturePrefix) {
		return paymentdomain.ErrInvalidSignature
	}
	expected := Sign(string(a.secret), payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type event struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	ProviderPaymentID string         `json:"provider_payment_id"`
	InvoiceID         string         `json:"invoice_id"`
	ClientID          string         `json:"client_id"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	RefundedAmount    *string        `json:"refunded_amount"`
	OccurredAt        *time.Time     `json:"occurred_at"`
	Metadata          map[string]any `json:"metadata"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var in event
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", paymentdomain.ErrInvalidEvent)
	}
	out := &paymentdomain.WebhookEvent{
		ProviderEventID: strings.TrimSpace(in.ID),
		EventType:       strings.TrimSpace(in.Type),
		RawPayload:      payload,
	}
	if out.EventType == "" {
		out.EventType = "payment.updated"
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(in.InvoiceID))
	if err != nil {
		return out, fmt.Errorf("%w: invoice_id %q", paymentdomain.ErrInvalidEvent, in.InvoiceID)
	}
	var clientID snowflake.ID
	if raw := strings.TrimSpace(in.ClientID); raw != "" {
		clientID, err = snowflake.ParseString(raw)
		if err != nil {
			return out, fmt.Errorf("%w: client_id %q", paymentdomain.ErrInvalidEvent, in.ClientID)
		}
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil {
		return out, fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount)
	}

	payment := &paymentdomain.ExternalPaymentEvent{
		Provider:          paymentdomain.ProviderOther,
		ProviderPaymentID: strings.TrimSpace(in.ProviderPaymentID),
		InvoiceID:         invoiceID,
		ClientID:          clientID,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(in.Currency)),
		Status:            paymentdomain.PaymentStatus(strings.ToLower(strings.TrimSpace(in.Status))),
		Metadata:          in.Metadata,
	}
	if in.RefundedAmount != nil {
		refunded, err := decimal.NewFromString(strings.TrimSpace(*in.RefundedAmount))
		if err != nil {
			return out, fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount)
		}
		payment.RefundedAmount = &refunded
	}
	if in.OccurredAt != nil {
		payment.OccurredAt = in.OccurredAt.UTC()
	}
	out.Payment = payment
	return out, nil
}
