package adapters_test

import (
	"testing"

	"github.com/smallbiznis/clientdesk/internal/payment/adapters"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/generic"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesProvidersCaseInsensitively(t *testing.T) {
	registry := adapters.NewRegistry(stripe.NewFactory(), generic.NewFactory())

	assert.Equal(t, []string{"other", "stripe"}, registry.Providers())
	assert.True(t, registry.ProviderExists(" Stripe "))
	assert.False(t, registry.ProviderExists("manual"))

	adapter, err := registry.NewAdapter("STRIPE", paymentdomain.AdapterConfig{
		Config: map[string]any{"webhook_secret": "whsec_test"},
	})
	require.NoError(t, err)
	assert.NotNil(t, adapter)

	_, err = registry.NewAdapter("paypal", paymentdomain.AdapterConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	_, err = registry.NewAdapter("stripe", paymentdomain.AdapterConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}
