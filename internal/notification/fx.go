package notification

import (
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(NewClient),
	fx.Provide(provideNotifier),
	fx.Provide(
		func(n *Notifier) paymentdomain.Notifier { return n },
		provideReminderSender,
	),
	fx.Provide(NewWorker),
	fx.Invoke(StartWorker),
)

type notifierDeps struct {
	fx.In

	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// provideReminderSender leaves reminders off when there is no queue.
func provideReminderSender(n *Notifier) invoicedomain.ReminderSender {
	if n.queue == nil {
		return nil
	}
	return n
}
