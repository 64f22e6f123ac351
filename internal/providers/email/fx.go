package email

import (
	"strings"

	"github.com/smallbiznis/clientdesk/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns the SMTP sender, or a no-op one when SMTP_HOST is
// blank so receipts still render and upload.
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	host := strings.TrimSpace(cfg.Email.SMTPHost)
	if host == "" {
		log.Warn("smtp host not configured, outgoing email disabled")
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     host,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
	})
}
