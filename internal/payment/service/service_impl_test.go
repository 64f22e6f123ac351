package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/clientdesk/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/clientdesk/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clientdesk/internal/payment/service"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	reconciliationrepo "github.com/smallbiznis/clientdesk/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/clientdesk/internal/reconciliation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	results []reconciliationdomain.Result
}

func (n *recordingNotifier) NotifyPaymentState(_ context.Context, result reconciliationdomain.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
}

func (n *recordingNotifier) statuses() []invoicedomain.InvoiceStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]invoicedomain.InvoiceStatus, 0, len(n.results))
	for _, r := range n.results {
		out = append(out, r.Status)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	notifier *recordingNotifier
	svc      paymentdomain.Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	invoices := invoicerepo.Provide()

	reconciler := reconciliationservice.NewService(reconciliationservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		InvoiceRepo: invoices,
		Repo:        reconciliationrepo.Provide(),
	})
	notifier := &recordingNotifier{}
	svc := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Cfg:         config.Config{Ingest: config.IngestConfig{MaxAttempts: 3}},
		Clock:       clk,
		GenID:       node,
		Repo:        paymentrepo.Provide(),
		InvoiceRepo: invoices,
		Reconciler:  reconciler,
		Notifier:    notifier,
	})
	return &fixture{db: db, node: node, clock: clk, notifier: notifier, svc: svc}
}

func (f *fixture) seedInvoice(t *testing.T, total string, dueDate time.Time) invoicedomain.Invoice {
	t.Helper()
	issuedAt := dueDate.Add(-14 * 24 * time.Hour)
	inv := invoicedomain.Invoice{
		ID:             f.node.Generate(),
		OrgID:          11,
		ClientID:       22,
		Number:         fmt.Sprintf("INV-%d", f.node.Generate().Int64()),
		Currency:       "USD",
		Total:          decimal.RequireFromString(total),
		AmountPaid:     decimal.Zero,
		Status:         invoicedomain.InvoiceStatusOpen,
		DocumentStatus: invoicedomain.DocumentStatusSent,
		DueDate:        &dueDate,
		IssuedAt:       &issuedAt,
		CreatedAt:      issuedAt,
		UpdatedAt:      issuedAt,
	}
	require.NoError(t, f.db.Create(&inv).Error)
	return inv
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, f.db.First(&inv, "id = ?", id).Error)
	return inv
}

func (f *fixture) payments(t *testing.T, invoiceID snowflake.ID) []paymentdomain.Payment {
	t.Helper()
	items, err := f.svc.ListByInvoice(context.Background(), invoiceID)
	require.NoError(t, err)
	return items
}

func cardEvent(invoiceID snowflake.ID, id, amount string) paymentdomain.ExternalPaymentEvent {
	return paymentdomain.ExternalPaymentEvent{
		Provider:          "card",
		ProviderPaymentID: id,
		InvoiceID:         invoiceID,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "usd",
		Status:            paymentdomain.PaymentStatusSucceeded,
		OccurredAt:        now,
	}
}

func refundedTo(event paymentdomain.ExternalPaymentEvent, refunded string) paymentdomain.ExternalPaymentEvent {
	amount := decimal.RequireFromString(refunded)
	event.RefundedAmount = &amount
	event.Status = paymentdomain.PaymentStatusPartiallyRefunded
	return event
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestFullPaymentMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(7*24*time.Hour))

	result, err := f.svc.IngestExternal(context.Background(), cardEvent(inv.ID, "pi_full", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
	assert.True(t, result.AmountPaid.Equal(dec("100")))
	require.NotNil(t, result.PaidAt)

	stored := f.reload(t, inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.True(t, stored.AmountPaid.Equal(dec("100")))
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPaid}, f.notifier.statuses())
}

func TestPartialPaymentThenFullRefundReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(7*24*time.Hour))

	event := cardEvent(inv.ID, "pi_partial", "60.00")
	result, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, result.Status)
	assert.True(t, result.AmountPaid.Equal(dec("60")))

	result, err = f.svc.IngestExternal(ctx, refundedTo(event, "60.00"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, result.Status)
	assert.True(t, result.AmountPaid.IsZero())

	payments := f.payments(t, inv.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.PaymentStatusRefunded, payments[0].Status)
	assert.True(t, payments[0].RefundedAmount.Equal(dec("60")))
}

func TestRefundOnPastDueInvoiceBecomesOverdue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(-time.Hour))

	event := cardEvent(inv.ID, "pi_late", "60.00")
	_, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)

	result, err := f.svc.IngestExternal(ctx, refundedTo(event, "60.00"))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, result.Status)
}

func TestDuplicateDeliveryCountsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(7*24*time.Hour))
	event := cardEvent(inv.ID, "pi_1", "50.00")

	first, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.OutcomeApplied, first.Outcome)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.True(t, second.AmountPaid.Equal(dec("50")))
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, second.Status)
	assert.False(t, second.Changed)
	assert.Len(t, f.payments(t, inv.ID), 1)
	assert.Len(t, f.notifier.statuses(), 1, "replay must not notify again")
}

func TestReplayReachesSameStateAsSingleDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	once := f.seedInvoice(t, "80.00", now.Add(24*time.Hour))
	many := f.seedInvoice(t, "80.00", now.Add(24*time.Hour))

	_, err := f.svc.IngestExternal(ctx, cardEvent(once.ID, "pi_once", "80.00"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.svc.IngestExternal(ctx, cardEvent(many.ID, "pi_many", "80.00"))
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	a, b := f.reload(t, once.ID), f.reload(t, many.ID)
	assert.Equal(t, a.Status, b.Status)
	assert.True(t, a.AmountPaid.Equal(b.AmountPaid))
	require.NotNil(t, a.PaidAt)
	require.NotNil(t, b.PaidAt)
	assert.True(t, a.PaidAt.Equal(*b.PaidAt))
}

func TestAmountPaidMatchesLedgerAggregate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "300.00", now.Add(24*time.Hour))

	a := cardEvent(inv.ID, "pi_a", "120.00")
	b := cardEvent(inv.ID, "pi_b", "90.00")
	pending := cardEvent(inv.ID, "pi_c", "50.00")
	pending.Status = paymentdomain.PaymentStatusPending
	failed := cardEvent(inv.ID, "pi_d", "75.00")
	failed.Status = paymentdomain.PaymentStatusFailed

	for _, event := range []paymentdomain.ExternalPaymentEvent{a, b, pending, failed, refundedTo(a, "20.00"), refundedTo(b, "90.00")} {
		_, err := f.svc.IngestExternal(ctx, event)
		require.NoError(t, err)
	}

	expected := decimal.Zero
	for _, p := range f.payments(t, inv.ID) {
		if p.Status.Settled() {
			expected = expected.Add(p.Amount).Sub(p.RefundedAmount)
		}
	}
	stored := f.reload(t, inv.ID)
	assert.True(t, expected.Equal(dec("100")), "got %s", expected)
	assert.True(t, stored.AmountPaid.Equal(expected), "got %s", stored.AmountPaid)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, stored.Status)
}

func TestPaidAtSurvivesLeavingAndReturningToPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	first := cardEvent(inv.ID, "pi_first", "100.00")
	result, err := f.svc.IngestExternal(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, result.PaidAt)
	paidAt := *result.PaidAt

	f.clock.Advance(2 * time.Hour)
	result, err = f.svc.IngestExternal(ctx, refundedTo(first, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, result.Status)
	require.NotNil(t, result.PaidAt)
	assert.True(t, result.PaidAt.Equal(paidAt))

	f.clock.Advance(2 * time.Hour)
	result, err = f.svc.IngestExternal(ctx, cardEvent(inv.ID, "pi_second", "30.00"))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
	require.NotNil(t, result.PaidAt)
	assert.True(t, result.PaidAt.Equal(paidAt))
}

func TestStaleRefundIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))
	event := cardEvent(inv.ID, "pi_stale", "100.00")

	_, err := f.svc.IngestExternal(ctx, refundedTo(event, "40.00"))
	require.NoError(t, err)

	result, err := f.svc.IngestExternal(ctx, refundedTo(event, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeStale, result.Outcome)
	assert.True(t, result.AmountPaid.Equal(dec("60")))

	payments := f.payments(t, inv.ID)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].RefundedAmount.Equal(dec("40")))
}

func TestSettledPaymentDoesNotRegressToPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))
	event := cardEvent(inv.ID, "pi_order", "100.00")

	_, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)

	event.Status = paymentdomain.PaymentStatusPending
	result, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeStale, result.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
}

func TestPendingThenSucceededCountsWhenSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))
	event := cardEvent(inv.ID, "pi_pending", "100.00")
	event.Status = paymentdomain.PaymentStatusPending

	result, err := f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, result.Status)

	event.Status = paymentdomain.PaymentStatusSucceeded
	result, err = f.svc.IngestExternal(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	negative := cardEvent(inv.ID, "pi_neg", "-1")
	overRefund := refundedTo(cardEvent(inv.ID, "pi_over", "10"), "11")
	wrongCurrency := cardEvent(inv.ID, "pi_eur", "10")
	wrongCurrency.Currency = "EUR"
	wrongClient := cardEvent(inv.ID, "pi_client", "10")
	wrongClient.ClientID = 999
	missingID := cardEvent(inv.ID, "", "10")
	manual := cardEvent(inv.ID, "pi_manual", "10")
	manual.Provider = "manual"
	noInvoice := cardEvent(0, "pi_noinv", "10")

	cases := map[string]paymentdomain.ExternalPaymentEvent{
		"negative amount":     negative,
		"refund over amount":  overRefund,
		"currency mismatch":   wrongCurrency,
		"foreign client":      wrongClient,
		"missing external id": missingID,
		"manual provider":     manual,
		"missing invoice id":  noInvoice,
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.IngestExternal(ctx, event)
			assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
			assert.True(t, paymentdomain.IsInvalidEvent(err))
		})
	}
	assert.Empty(t, f.payments(t, inv.ID))
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.reload(t, inv.ID).Status)
}

func TestIngestUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestExternal(context.Background(), cardEvent(f.node.Generate(), "pi_ghost", "10"))
	assert.ErrorIs(t, err, invoicedomain.ErrNotFound)
}

func TestPaymentCannotMoveToAnotherInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))
	b := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	_, err := f.svc.IngestExternal(ctx, cardEvent(a.ID, "pi_shared", "10"))
	require.NoError(t, err)
	_, err = f.svc.IngestExternal(ctx, cardEvent(b.ID, "pi_shared", "10"))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
	assert.True(t, f.reload(t, b.ID).AmountPaid.IsZero())
}

func TestManualMarkIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	_, err := f.svc.IngestExternal(ctx, cardEvent(inv.ID, "pi_part", "25.00"))
	require.NoError(t, err)

	first, err := f.svc.Ingest(ctx, paymentdomain.ManualPaymentMark{InvoiceID: inv.ID, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, first.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, first.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, first.PreviousStatus)

	second, err := f.svc.Ingest(ctx, paymentdomain.ManualPaymentMark{InvoiceID: inv.ID, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAlreadyPaid, second.Outcome)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, second.Status)
	assert.True(t, second.AmountPaid.Equal(dec("100")))

	var manual []paymentdomain.Payment
	for _, p := range f.payments(t, inv.ID) {
		if p.Provider == paymentdomain.ProviderManual {
			manual = append(manual, p)
		}
	}
	require.Len(t, manual, 1)
	assert.True(t, manual[0].Amount.Equal(dec("75")))
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, manual[0].Status)
}

func TestManualMarkAmountMustMatchOutstanding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	wrong := dec("40")
	_, err := f.svc.MarkPaid(ctx, paymentdomain.ManualPaymentMark{InvoiceID: inv.ID, Amount: &wrong})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	exact := dec("100.00")
	result, err := f.svc.MarkPaid(ctx, paymentdomain.ManualPaymentMark{InvoiceID: inv.ID, Amount: &exact})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
}

func TestManualMarkOnVoidedInvoiceIsRejected(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Where("id = ?", inv.ID).Update("voided_at", now).Error)

	_, err := f.svc.MarkPaid(context.Background(), paymentdomain.ManualPaymentMark{InvoiceID: inv.ID})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
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

func TestSecondPartialPaymentNotifiesNewAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	_, err := f.svc.IngestExternal(ctx, cardEvent(inv.ID, "pi_first", "30.00"))
	require.NoError(t, err)
	result, err := f.svc.IngestExternal(ctx, cardEvent(inv.ID, "pi_second", "30.00"))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, result.PreviousStatus)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, result.Status)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.results, 2)
	assert.True(t, f.notifier.results[0].AmountPaid.Equal(dec("30")))
	assert.True(t, f.notifier.results[1].AmountPaid.Equal(dec("60")))
}

func TestConcurrentDeliveriesAndManualMark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.seedInvoice(t, "100.00", now.Add(24*time.Hour))

	const deliveries = 8
	const marks = 3
	event := cardEvent(inv.ID, "pi_race", "60.00")

	var wg sync.WaitGroup
	errs := make(chan error, deliveries+marks)
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.IngestExternal(ctx, event)
			errs <- err
		}()
	}
	for i := 0; i < marks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.MarkPaid(ctx, paymentdomain.ManualPaymentMark{InvoiceID: inv.ID, Currency: "USD"})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var card, manual int
	expected := decimal.Zero
	for _, p := range f.payments(t, inv.ID) {
		switch p.Provider {
		case paymentdomain.ProviderManual:
			manual++
		case "card":
			card++
		}
		if p.Status.Settled() {
			expected = expected.Add(p.Amount).Sub(p.RefundedAmount)
		}
	}
	assert.Equal(t, 1, card, "one row per provider payment id")
	assert.LessOrEqual(t, manual, 1)

	stored := f.reload(t, inv.ID)
	assert.True(t, stored.AmountPaid.Equal(expected), "stored %s, ledger %s", stored.AmountPaid, expected)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.NotNil(t, stored.PaidAt)
}
