package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/clientdesk/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/clientdesk/internal/invoice/service"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/generic"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/clientdesk/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clientdesk/internal/payment/service"
	"github.com/smallbiznis/clientdesk/internal/payment/webhook"
	reconciliationrepo "github.com/smallbiznis/clientdesk/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/clientdesk/internal/reconciliation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg        = "1001"
	internalSecret = "internal_test"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	engine *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupTestDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)
	cfg := config.Config{
		InvoiceNumberTemplate: "INV-{YYYY}{MM}-{SEQ5}",
		Webhooks:              config.WebhookConfig{InternalSecret: internalSecret},
	}

	invoices := invoicerepo.Provide()
	payments := paymentrepo.Provide()
	reconciler := reconciliationservice.NewService(reconciliationservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		InvoiceRepo: invoices,
		Repo:        reconciliationrepo.Provide(),
	})
	ingestor := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Cfg:         cfg,
		Clock:       clk,
		GenID:       node,
		Repo:        payments,
		InvoiceRepo: invoices,
		Reconciler:  reconciler,
	})
	engine := NewEngine(false)
	NewServer(ServerParams{
		Gin: engine,
		Cfg: cfg,
		InvoiceSvc: invoiceservice.NewService(invoiceservice.ServiceParam{
			DB:         db,
			Log:        zap.NewNop(),
			Cfg:        cfg,
			GenID:      node,
			Clock:      clk,
			Repo:       invoices,
			Reconciler: reconciler,
		}),
		Ingestor: ingestor,
		WebhookSvc: webhook.NewService(webhook.Params{
			DB:       db,
			Log:      zap.NewNop(),
			Cfg:      cfg,
			Clock:    clk,
			GenID:    node,
			Repo:     payments,
			Ingestor: ingestor,
			Adapters: adapters.NewRegistry(stripe.NewFactory(), generic.NewFactory()),
		}),
		Reconciler: reconciler,
	})
	return &fixture{db: db, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		raw = v
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) api(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{HeaderOrg: testOrg})
}

type invoiceEnvelope struct {
	Data invoicedomain.Invoice `json:"data"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) createIssued(t *testing.T, total string) invoicedomain.Invoice {
	t.Helper()
	rec := f.api(t, http.MethodPost, "/api/invoices", map[string]any{
		"client_id": "2002",
		"currency":  "USD",
		"total":     total,
		"due_date":  testNow.Add(14 * 24 * time.Hour).Format(time.RFC3339),
		"metadata":  map[string]any{"billing_email": "ap@client.test"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[invoiceEnvelope](t, rec).Data
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, created.Status)

	rec = f.api(t, http.MethodPost, "/api/invoices/"+created.ID.String()+"/issue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	issued := decode[invoiceEnvelope](t, rec).Data
	require.Equal(t, invoicedomain.InvoiceStatusOpen, issued.Status)
	return issued
}

func genericDelivery(t *testing.T, body map[string]any) ([]byte, map[string]string) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return payload, map[string]string{generic.SignatureHeader: generic.Sign(internalSecret, payload)}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresOrganization(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/invoices", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "organization_required", decode[errorEnvelope](t, rec).Error.Errors[0].Code)

	rec = f.do(t, http.MethodGet, "/api/invoices", nil, map[string]string{HeaderOrg: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	inv := f.createIssued(t, "120.00")

	rec := f.api(t, http.MethodGet, "/api/invoices/"+inv.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "INV-202603-00001", decode[invoiceEnvelope](t, rec).Data.Number)

	rec = f.api(t, http.MethodGet, "/api/invoices?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Data []invoicedomain.Invoice `json:"data"`
	}](t, rec)
	require.Len(t, list.Data, 1)

	rec = f.api(t, http.MethodGet, "/api/invoices?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/invoices/"+inv.ID.String(), nil, map[string]string{HeaderOrg: "9999"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "other organizations cannot see it")

	rec = f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/void", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, decode[invoiceEnvelope](t, rec).Data.Status)

	rec = f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/mark-paid", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "voided invoices take no payments")
}

func TestMarkPaidAndListPayments(t *testing.T) {
	f := newFixture(t)
	inv := f.createIssued(t, "80.00")

	rec := f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/mark-paid", map[string]any{"amount": "10.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "amount must match the outstanding balance")

	rec = f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/mark-paid", map[string]any{"note": "cheque"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[struct {
		Data paymentdomain.IngestResult `json:"data"`
	}](t, rec).Data
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
	assert.True(t, result.AmountPaid.Equal(decimal.RequireFromString("80")))

	rec = f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/mark-paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[struct {
		Data paymentdomain.IngestResult `json:"data"`
	}](t, rec).Data
	assert.Equal(t, paymentdomain.OutcomeAlreadyPaid, again.Outcome)

	rec = f.api(t, http.MethodGet, "/api/invoices/"+inv.ID.String()+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payments := decode[struct {
		Data []paymentdomain.Payment `json:"data"`
	}](t, rec).Data
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.ProviderManual, payments[0].Provider)

	rec = f.api(t, http.MethodDelete, "/api/invoices/"+inv.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "invoices with payments are kept")
}

func TestPaymentWebhookOverHTTP(t *testing.T) {
	f := newFixture(t)
	inv := f.createIssued(t, "50.00")

	payload, headers := genericDelivery(t, map[string]any{
		"id":                  "evt_http_1",
		"provider_payment_id": "pay_1",
		"invoice_id":          inv.ID.String(),
		"amount":              "20.00",
		"currency":            "USD",
		"status":              "succeeded",
	})
	rec := f.do(t, http.MethodPost, "/webhooks/payments/other", payload, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/webhooks/payments/other", payload, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[struct {
		Data paymentdomain.WebhookResult `json:"data"`
	}](t, rec).Data
	assert.Equal(t, paymentdomain.OutcomeDuplicate, dup.Outcome)

	rec = f.api(t, http.MethodPost, "/api/invoices/"+inv.ID.String()+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reconciled struct {
		Data struct {
			Status     invoicedomain.InvoiceStatus `json:"status"`
			AmountPaid decimal.Decimal             `json:"amount_paid"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reconciled))
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, reconciled.Data.Status)
	assert.True(t, reconciled.Data.AmountPaid.Equal(decimal.RequireFromString("20")))
}

func TestPaymentWebhookRejections(t *testing.T) {
	f := newFixture(t)

	payload, _ := genericDelivery(t, map[string]any{"id": "evt_bad"})
	rec := f.do(t, http.MethodPost, "/webhooks/payments/other", payload, map[string]string{
		generic.SignatureHeader: "sha256=00",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks/payments/paypal", payload, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks/payments/other", []byte("not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{invoicedomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{invoicedomain.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
		{fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, paymentdomain.ErrInvalidAmount), http.StatusBadRequest, "invalid_amount"},
		{fmt.Errorf("%w: %w", paymentdomain.ErrInvalidEvent, invoicedomain.ErrInvalidTransition), http.StatusConflict, "conflict"},
		{errors.Join(paymentdomain.ErrTransactionConflict, errors.New("40001")), http.StatusConflict, "conflict"},
		{paymentdomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{paymentdomain.ErrInvalidSignature, http.StatusUnauthorized, "unauthorized"},
		{errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			status, _ := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			_, code := classifyErrorForLog(tc.err)
			assert.Equal(t, tc.code, code)
		})
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&paymentdomain.Payment{},
		&paymentdomain.EventRecord{},
	))
	return db
}
