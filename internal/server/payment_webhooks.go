package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/clientdesk/internal/observability/context"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
)

const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook answers 200 for every delivery the provider should
// stop sending, duplicates and unusable events included. Any error status
// asks the provider to retry.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := paymentdomain.NormalizeProvider(c.Param("provider"))

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("payload", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), "provider", provider)
	result, err := s.webhookSvc.IngestWebhook(ctx, provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": result})
}
