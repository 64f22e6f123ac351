package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
)

const defaultTolerance = 5 * time.Minute

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

// NewAdapter reads "webhook_secret" and an optional "tolerance" (time.Duration).
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	tolerance := defaultTolerance
	if value, ok := cfg.Config["tolerance"].(time.Duration); ok && value > 0 {
		tolerance = value
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		now:           time.Now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		age := a.now().Sub(time.Unix(signedAt, 0))
		if age > a.tolerance || age < -a.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", paymentdomain.ErrInvalidSignature)
		}
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", paymentdomain.ErrInvalidEvent)
	}

	out := &paymentdomain.WebhookEvent{
		ProviderEventID: event.ID,
		EventType:       strings.TrimSpace(event.Type),
		RawPayload:      payload,
	}

	var (
		payment *paymentdomain.ExternalPaymentEvent
		err     error
	)
	switch out.EventType {
	case "payment_intent.succeeded":
		payment, err = parsePaymentIntent(event, paymentdomain.PaymentStatusSucceeded)
	case "payment_intent.payment_failed":
		payment, err = parsePaymentIntent(event, paymentdomain.PaymentStatusFailed)
	case "charge.succeeded", "charge.refunded":
		payment, err = parseCharge(event)
	default:
		return out, paymentdomain.ErrEventIgnored
	}
	if err != nil {
		return out, err
	}
	out.Payment = payment
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func parsePaymentIntent(event stripeEvent, status paymentdomain.PaymentStatus) (*paymentdomain.ExternalPaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, fmt.Errorf("%w: missing payment intent id", paymentdomain.ErrInvalidEvent)
	}

	amount := intent.AmountReceived
	if status != paymentdomain.PaymentStatusSucceeded || amount <= 0 {
		amount = intent.Amount
	}
	invoiceID, clientID, err := parseMetadataIDs(intent.Metadata)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.ExternalPaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderPaymentID: intent.ID,
		InvoiceID:         invoiceID,
		ClientID:          clientID,
		Amount:            FromMinorUnits(amount, intent.Currency),
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		Status:            status,
		OccurredAt:        timestamp(intent.Created, event.Created),
		Metadata:          map[string]any{"stripe_event_id": event.ID},
	}, nil
}

// parseCharge keys the payment on its payment intent when there is one, so
// charge and intent events for the same money land on one ledger row.
func parseCharge(event stripeEvent) (*paymentdomain.ExternalPaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	providerPaymentID := strings.TrimSpace(charge.PaymentIntent)
	if providerPaymentID == "" {
		providerPaymentID = strings.TrimSpace(charge.ID)
	}
	if providerPaymentID == "" {
		return nil, fmt.Errorf("%w: missing charge id", paymentdomain.ErrInvalidEvent)
	}

	invoiceID, clientID, err := parseMetadataIDs(charge.Metadata)
	if err != nil {
		return nil, err
	}

	amount := FromMinorUnits(charge.Amount, charge.Currency)
	refunded := FromMinorUnits(charge.AmountRefunded, charge.Currency)

	return &paymentdomain.ExternalPaymentEvent{
		Provider:          paymentdomain.ProviderStripe,
		ProviderPaymentID: providerPaymentID,
		InvoiceID:         invoiceID,
		ClientID:          clientID,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		Status:            paymentdomain.SettledStatus(amount, refunded),
		RefundedAmount:    &refunded,
		OccurredAt:        timestamp(charge.Created, event.Created),
		Metadata:          map[string]any{"stripe_event_id": event.ID, "stripe_charge_id": charge.ID},
	}, nil
}

// Currencies Stripe reports without a minor unit, and those with three.
var (
	zeroDecimalCurrencies = map[string]struct{}{
		"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
		"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
	}
	threeDecimalCurrencies = map[string]struct{}{
		"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
	}
)

// FromMinorUnits converts an integer amount in the currency's smallest unit to a decimal.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return decimal.NewFromInt(amount)
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return decimal.New(amount, -3)
	}
	return decimal.New(amount, -2)
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func parseMetadataIDs(metadata map[string]any) (snowflake.ID, snowflake.ID, error) {
	invoiceRaw := readMetadataValue(metadata, "invoice_id")
	if invoiceRaw == "" {
		return 0, 0, fmt.Errorf("%w: metadata.invoice_id missing", paymentdomain.ErrInvalidEvent)
	}
	invoiceID, err := snowflake.ParseString(invoiceRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: metadata.invoice_id %q", paymentdomain.ErrInvalidEvent, invoiceRaw)
	}

	clientRaw := readMetadataValue(metadata, "client_id")
	if clientRaw == "" {
		clientRaw = readMetadataValue(metadata, "customer_id")
	}
	if clientRaw == "" {
		return invoiceID, 0, nil
	}
	clientID, err := snowflake.ParseString(clientRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: metadata.client_id %q", paymentdomain.ErrInvalidEvent, clientRaw)
	}
	return invoiceID, clientID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
