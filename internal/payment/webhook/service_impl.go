package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	obslogger "github.com/smallbiznis/clientdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientdesk/internal/observability/metrics"
	"github.com/smallbiznis/clientdesk/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Ingestor   paymentdomain.Ingestor
	Adapters   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	ingestor   paymentdomain.Ingestor
	adapters   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
	configs    map[string]map[string]any
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		clock:      p.Clock,
		genID:      p.GenID,
		repo:       p.Repo,
		ingestor:   p.Ingestor,
		adapters:   p.Adapters,
		obsMetrics: p.ObsMetrics,
		configs:    adapterConfigs(p.Cfg.Webhooks),
	}
}

func adapterConfigs(cfg config.WebhookConfig) map[string]map[string]any {
	return map[string]map[string]any{
		paymentdomain.ProviderStripe: {
			"webhook_secret": cfg.StripeSecret,
			"tolerance":      cfg.StripeTolerance,
		},
		paymentdomain.ProviderOther: {
			"webhook_secret": cfg.InternalSecret,
		},
	}
}

// IngestWebhook verifies a provider delivery, records it in payment_events and
// applies it to the ledger. Deliveries that can never succeed (unknown invoice,
// malformed amounts) are recorded as invalid and reported without error so
// the provider stops redelivering; only infrastructure failures return an error.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.WebhookResult, error) {
	provider = paymentdomain.NormalizeProvider(provider)
	result := paymentdomain.WebhookResult{Provider: provider}
	if provider == "" {
		return result, paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return result, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return result, paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{Config: s.configs[provider]})
	if err != nil {
		s.log.Error("payment adapter misconfigured", zap.String("provider", provider), zap.Error(err))
		return result, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return result, err
	}

	ctx = reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerWebhook)
	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", provider))

	event, parseErr := adapter.Parse(ctx, payload)
	if event != nil {
		result.ProviderEventID = event.ProviderEventID
	}
	if parseErr != nil && !errors.Is(parseErr, paymentdomain.ErrEventIgnored) && !paymentdomain.IsInvalidEvent(parseErr) {
		return result, parseErr
	}
	if event == nil || event.ProviderEventID == "" {
		// Nothing to key an audit record on.
		log.Warn("payment webhook rejected", zap.Error(parseErr))
		result.Outcome = paymentdomain.OutcomeInvalid
		s.obsMetrics.RecordPaymentEvent(ctx, provider, "", result.Outcome)
		return result, nil
	}
	log = log.With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.EventType),
	)

	stored, err := s.recordEvent(ctx, provider, event, payload)
	if err != nil {
		return result, err
	}
	if stored.ProcessedAt != nil && stored.Outcome != "" {
		log.Info("payment webhook already processed", zap.String("outcome", stored.Outcome))
		result.Outcome = paymentdomain.OutcomeDuplicate
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.EventType, result.Outcome)
		return result, nil
	}

	switch {
	case errors.Is(parseErr, paymentdomain.ErrEventIgnored):
		result.Outcome = paymentdomain.OutcomeIgnored
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.EventType, result.Outcome)
		return result, s.finish(ctx, stored, result.Outcome, "", nil)
	case parseErr != nil:
		log.Warn("payment webhook rejected", zap.Error(parseErr))
		result.Outcome = paymentdomain.OutcomeInvalid
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.EventType, result.Outcome)
		return result, s.finish(ctx, stored, result.Outcome, parseErr.Error(), nil)
	case event.Payment == nil:
		result.Outcome = paymentdomain.OutcomeIgnored
		return result, s.finish(ctx, stored, result.Outcome, "", nil)
	}

	event.Payment.Provider = provider
	ingested, err := s.ingestor.IngestExternal(ctx, *event.Payment)
	if err != nil {
		if paymentdomain.IsInvalidEvent(err) || errors.Is(err, invoicedomain.ErrNotFound) {
			log.Warn("payment webhook rejected", zap.Error(err))
			result.Outcome = paymentdomain.OutcomeInvalid
			return result, s.finish(ctx, stored, result.Outcome, err.Error(), &event.Payment.InvoiceID)
		}
		// Left unprocessed so the provider's redelivery runs it again.
		log.Error("payment webhook failed", zap.Error(err))
		return result, err
	}

	result.Outcome = ingested.Outcome
	invoiceID := ingested.InvoiceID
	log.Info("payment webhook applied",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("outcome", ingested.Outcome),
		zap.String("invoice_status", string(ingested.Status)),
	)
	return result, s.finish(ctx, stored, result.Outcome, "", &invoiceID)
}

// recordEvent returns the payment_events row for this delivery, inserting it
// on first sight.
func (s *Service) recordEvent(ctx context.Context, provider string, event *paymentdomain.WebhookEvent, payload []byte) (*paymentdomain.EventRecord, error) {
	existing, err := s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	if event.Payment != nil && event.Payment.InvoiceID != 0 {
		invoiceID := event.Payment.InvoiceID
		record.InvoiceID = &invoiceID
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		return record, nil
	}

	existing, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.New("payment_event_not_found")
	}
	return existing, nil
}

func (s *Service) finish(ctx context.Context, stored *paymentdomain.EventRecord, outcome, errMsg string, invoiceID *snowflake.ID) error {
	if invoiceID != nil && *invoiceID == 0 {
		invoiceID = nil
	}
	return s.repo.MarkEventProcessed(ctx, s.db, stored.ID, outcome, errMsg, invoiceID, s.clock.Now().UTC())
}
