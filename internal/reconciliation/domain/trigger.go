package domain

import "context"

const (
	TriggerAPI     = "api"
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
	TriggerSweep   = "sweep"
	TriggerCLI     = "cli"
)

type triggerKey struct{}

// WithTrigger labels reconciliations started from ctx for metrics.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func TriggerFromContext(ctx context.Context) string {
	if trigger, ok := ctx.Value(triggerKey{}).(string); ok && trigger != "" {
		return trigger
	}
	return TriggerAPI
}
