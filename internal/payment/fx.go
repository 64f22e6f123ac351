package payment

import (
	"github.com/smallbiznis/clientdesk/internal/payment/adapters"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/generic"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/stripe"
	"github.com/smallbiznis/clientdesk/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clientdesk/internal/payment/service"
	"github.com/smallbiznis/clientdesk/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			generic.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
