package generic_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/generic"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := generic.NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Config: map[string]any{"webhook_secret": "internal-secret"},
	})
	require.NoError(t, err)
	return adapter
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1"}`)

	headers := http.Header{}
	headers.Set(generic.SignatureHeader, generic.Sign("internal-secret", payload))
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set(generic.SignatureHeader, generic.Sign("other-secret", payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), paymentdomain.ErrInvalidSignature)

	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), paymentdomain.ErrInvalidSignature)
}

func TestParse(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_9",
		"type": "terminal.capture",
		"provider_payment_id": "term-42",
		"invoice_id": "1790000000000000001",
		"client_id": "1790000000000000002",
		"amount": "49.90",
		"currency": "eur",
		"status": "Succeeded",
		"refunded_amount": "9.90"
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_9", event.ProviderEventID)
	assert.Equal(t, "terminal.capture", event.EventType)

	payment := event.Payment
	require.NotNil(t, payment)
	assert.Equal(t, paymentdomain.ProviderOther, payment.Provider)
	assert.Equal(t, "term-42", payment.ProviderPaymentID)
	assert.Equal(t, int64(1790000000000000001), payment.InvoiceID.Int64())
	assert.Equal(t, int64(1790000000000000002), payment.ClientID.Int64())
	assert.Equal(t, "EUR", payment.Currency)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, payment.Status)
	assert.True(t, payment.Amount.Equal(decimal.RequireFromString("49.9")))
	require.NotNil(t, payment.RefundedAmount)
	assert.True(t, payment.RefundedAmount.Equal(decimal.RequireFromString("9.9")))
}

func TestParseRejectsBadAmounts(t *testing.T) {
	adapter := newAdapter(t)
	_, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_2","invoice_id":"17","amount":"ten","currency":"usd","status":"succeeded"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)

	_, err = adapter.Parse(context.Background(), []byte(`{"id":"evt_3","invoice_id":"nope","amount":"1","currency":"usd"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	_, err = adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
