package scheduler

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
	reconciliationrepo "github.com/smallbiznis/clientdesk/internal/reconciliation/repository"
	reconciliationservice "github.com/smallbiznis/clientdesk/internal/reconciliation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := fmt.Sprintf("token-%d", len(l.released)+len(l.held)+1)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}

type recordingSender struct {
	sent []snowflake.ID
	fail map[snowflake.ID]bool
}

func (r *recordingSender) SendReminder(_ context.Context, invoice invoicedomain.Invoice) error {
	if r.fail[invoice.ID] {
		return fmt.Errorf("smtp unavailable")
	}
	r.sent = append(r.sent, invoice.ID)
	return nil
}

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	locker *fakeLocker
	sender *recordingSender
	sched  *Scheduler
}

func newFixture(t *testing.T, policy config.ReminderPolicy) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	repo := invoicerepo.Provide()
	locker := newFakeLocker()
	sender := &recordingSender{fail: map[snowflake.ID]bool{}}

	reconciler := reconciliationservice.NewService(reconciliationservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       clk,
		InvoiceRepo: repo,
		Repo:        reconciliationrepo.Provide(),
	})
	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		InvoiceRepo: repo,
		Reconciler:  reconciler,
		Config:      Config{BatchSize: 2},
		Locker:      locker,
		Reminders:   config.NewStaticReminderConfigHolder(policy),
		Sender:      sender,
	})
	require.NoError(t, err)
	return &fixture{db: db, node: node, clock: clk, locker: locker, sender: sender, sched: sched}
}

func (f *fixture) seedInvoice(t *testing.T, status invoicedomain.InvoiceStatus, due time.Time) invoicedomain.Invoice {
	t.Helper()
	issuedAt := due.Add(-30 * 24 * time.Hour)
	inv := invoicedomain.Invoice{
		ID:             f.node.Generate(),
		OrgID:          1,
		ClientID:       2,
		Number:         f.node.Generate().String(),
		Currency:       "USD",
		Total:          decimal.NewFromInt(100),
		AmountPaid:     decimal.Zero,
		Status:         status,
		DocumentStatus: invoicedomain.DocumentStatusSent,
		DueDate:        &due,
		IssuedAt:       &issuedAt,
		CreatedAt:      issuedAt,
		UpdatedAt:      issuedAt,
	}
	require.NoError(t, f.db.Create(&inv).Error)
	return inv
}

func (f *fixture) status(t *testing.T, id snowflake.ID) invoicedomain.InvoiceStatus {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, f.db.First(&inv, "id = ?", id).Error)
	return inv.Status
}

func TestSweepOverdueMovesPastDueInvoices(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	pastDue := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(-time.Hour))
	notDue := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(time.Hour))

	report, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{pastDue.ID}, report.Candidates)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, f.status(t, pastDue.ID))
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.status(t, notDue.ID))

	again, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, again.Candidates, "settled rows are not swept again")
	assert.Empty(t, f.locker.held)
}

func TestSweepOverdueRefreshesStaleOverdue(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	extended := f.seedInvoice(t, invoicedomain.InvoiceStatusOverdue, now.Add(48*time.Hour))

	report, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.status(t, extended.ID))
}

func TestSweepOverdueDryRunWritesNothing(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	pastDue := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(-time.Hour))

	report, err := f.sched.SweepOverdue(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{pastDue.ID}, report.Candidates)
	assert.Zero(t, report.Changed)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.status(t, pastDue.ID))
}

func TestSweepOverdueSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	pastDue := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(-time.Hour))
	_, ok, err := f.locker.TryLock(context.Background(), fmt.Sprintf(sweepLockKey, JobOverdueSweep), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.status(t, pastDue.ID))
}

func TestSweepOverdueIsBatched(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	for i := 0; i < 3; i++ {
		f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(-time.Hour))
	}

	first, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, first.Candidates, 2)

	second, err := f.sched.SweepOverdue(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, second.Candidates, 1)
}

func TestSendDueReminders(t *testing.T) {
	policy := config.DefaultReminderPolicy()
	f := newFixture(t, policy)

	dueSoon := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(24*time.Hour))
	farOff := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(30*24*time.Hour))
	overdue := f.seedInvoice(t, invoicedomain.InvoiceStatusOverdue, now.Add(-24*time.Hour))
	broken := f.seedInvoice(t, invoicedomain.InvoiceStatusOverdue, now.Add(-24*time.Hour))
	paid := f.seedInvoice(t, invoicedomain.InvoiceStatusPaid, now.Add(-24*time.Hour))
	f.sender.fail[broken.ID] = true

	require.NoError(t, f.sched.SendDueReminders(context.Background()))
	assert.ElementsMatch(t, []snowflake.ID{dueSoon.ID, overdue.ID}, f.sender.sent)
	assert.NotContains(t, f.sender.sent, farOff.ID)
	assert.NotContains(t, f.sender.sent, paid.ID)

	var stored invoicedomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", overdue.ID).Error)
	assert.Equal(t, 1, stored.ReminderCount)
	require.NotNil(t, stored.LastReminderSentAt)

	var failed invoicedomain.Invoice
	require.NoError(t, f.db.First(&failed, "id = ?", broken.ID).Error)
	assert.Zero(t, failed.ReminderCount, "failed sends are retried next run")

	f.sender.sent = nil
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.SendDueReminders(context.Background()))
	assert.Empty(t, f.sender.sent, "repeat interval not reached")
}

func TestNextReminderAt(t *testing.T) {
	policy := config.ReminderPolicy{
		Enabled:         true,
		BeforeDueLead:   72 * time.Hour,
		BeforeDueRepeat: 48 * time.Hour,
		OverdueRepeat:   24 * time.Hour,
		MaxReminders:    3,
	}
	due := now
	issued := now.Add(-30 * 24 * time.Hour)
	at := func(d time.Duration) *time.Time {
		v := due.Add(d)
		return &v
	}

	tests := []struct {
		name     string
		invoice  invoicedomain.Invoice
		want     time.Time
		wantNone bool
	}{
		{
			name:    "first reminder leads the due date",
			invoice: invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOpen, DueDate: &due, IssuedAt: &issued},
			want:    due.Add(-72 * time.Hour),
		},
		{
			name:    "repeat before due",
			invoice: invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOpen, DueDate: &due, IssuedAt: &issued, LastReminderSentAt: at(-72 * time.Hour), ReminderCount: 1},
			want:    due.Add(-24 * time.Hour),
		},
		{
			name:    "repeat clamps to due date",
			invoice: invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOpen, DueDate: &due, IssuedAt: &issued, LastReminderSentAt: at(-24 * time.Hour), ReminderCount: 2},
			want:    due,
		},
		{
			name:    "overdue cadence",
			invoice: invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOverdue, DueDate: &due, IssuedAt: &issued, LastReminderSentAt: at(0), ReminderCount: 2},
			want:    due.Add(24 * time.Hour),
		},
		{
			name:     "cap reached",
			invoice:  invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOverdue, DueDate: &due, IssuedAt: &issued, LastReminderSentAt: at(0), ReminderCount: 3},
			wantNone: true,
		},
		{
			name:     "paid",
			invoice:  invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusPaid, DueDate: &due, IssuedAt: &issued},
			wantNone: true,
		},
		{
			name:     "draft",
			invoice:  invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOpen, DueDate: &due},
			wantNone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextReminderAt(tt.invoice, policy)
			if tt.wantNone {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}

	_, ok := NextReminderAt(invoicedomain.Invoice{Status: invoicedomain.InvoiceStatusOpen, DueDate: &due, IssuedAt: &issued}, config.ReminderPolicy{})
	assert.False(t, ok, "disabled policy")
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := newFixture(t, config.DefaultReminderPolicy())
	f.sched.cfg.EnabledJobs = []string{JobPaymentReminders}
	pastDue := f.seedInvoice(t, invoicedomain.InvoiceStatusOpen, now.Add(-time.Hour))

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.status(t, pastDue.ID), "sweep disabled")
	assert.Contains(t, f.sender.sent, pastDue.ID)
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
	))
	return db
}

func TestJobRunOutcome(t *testing.T) {
	var nilRun *jobRun
	nilRun.IncError()
	nilRun.MarkSkipped()
	nilRun.AddProcessed(3)

	run := &jobRun{}
	outcome, _ := run.outcome()
	assert.Equal(t, runOutcomeOK, outcome)

	run.MarkSkipped()
	outcome, _ = run.outcome()
	assert.Equal(t, runOutcomeSkipped, outcome)

	run.IncError()
	outcome, _ = run.outcome()
	assert.Equal(t, runOutcomePartial, outcome)
}
