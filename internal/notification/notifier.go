package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"go.uber.org/zap"
)

var ErrQueueNotConfigured = errors.New("notification_queue_not_configured")

const (
	paymentStateMaxRetry = 8
	reminderMaxRetry     = 3
	taskRetention        = 24 * time.Hour
)

// Enqueuer is the part of asynq.Client the notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier turns committed payment state and due reminders into background
// tasks. A nil queue drops payment notifications and refuses reminders.
type Notifier struct {
	queue   Enqueuer
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewNotifier(queue Enqueuer, log *zap.Logger, metrics *obsmetrics.Metrics) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		queue:   queue,
		log:     log.Named("notification.notifier"),
		metrics: metrics,
	}
}

// NotifyPaymentState enqueues a payment state task. Errors are logged only,
// the ingest that produced result has already committed.
func (n *Notifier) NotifyPaymentState(ctx context.Context, result reconciliationdomain.Result) {
	status := string(result.Status)
	if n.queue == nil {
		n.metrics.RecordNotification(ctx, status, "disabled")
		return
	}
	log := obslogger.WithContext(ctx, n.log).With(
		zap.String("invoice_id", result.InvoiceID.String()),
		zap.String("status", status),
	)

	task, err := NewPaymentStateTask(ctx, result)
	if err != nil {
		n.metrics.RecordNotification(ctx, status, "failed")
		log.Error("failed to build payment state task", zap.Error(err))
		return
	}
	_, err = n.queue.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(paymentStateMaxRetry),
		asynq.TaskID(paymentStateTaskID(result)),
		asynq.Retention(taskRetention),
	)
	switch {
	case err == nil:
		n.metrics.RecordNotification(ctx, status, "enqueued")
		log.Debug("payment state task enqueued")
	case errors.Is(err, asynq.ErrTaskIDConflict):
		n.metrics.RecordNotification(ctx, status, "duplicate")
	default:
		n.metrics.RecordNotification(ctx, status, "failed")
		log.Error("failed to enqueue payment state task", zap.Error(err))
	}
}

// SendReminder enqueues a reminder task for invoice.
func (n *Notifier) SendReminder(ctx context.Context, invoice invoicedomain.Invoice) error {
	if n.queue == nil {
		return ErrQueueNotConfigured
	}
	task, err := NewReminderTask(ctx, invoice)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueContext(ctx, task,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(reminderMaxRetry),
		asynq.TaskID(fmt.Sprintf("reminder:%s:%d", invoice.ID, invoice.ReminderCount+1)),
		asynq.Retention(taskRetention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue reminder: %w", err)
	}
	return nil
}

// paymentStateTaskID collapses repeated notifications for the same state.
func paymentStateTaskID(result reconciliationdomain.Result) string {
	return fmt.Sprintf("payment_state:%s:%s:%s", result.InvoiceID, result.Status, result.AmountPaid.String())
}
