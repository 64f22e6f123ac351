package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/clientdesk/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
)

type markPaidRequest struct {
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
	Note     string           `json:"note"`
}

// MarkInvoicePaid records an operator payment for the outstanding balance.
func (s *Server) MarkInvoicePaid(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var req markPaidRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ctx := c.Request.Context()
	invoice, err := s.invoiceSvc.GetByID(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ingestor.MarkPaid(ctx, paymentdomain.ManualPaymentMark{
		InvoiceID: invoice.ID,
		ClientID:  invoice.ClientID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Note:      req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ReconcileInvoice recomputes payment state from the ledger.
func (s *Server) ReconcileInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	invoice, err := s.invoiceSvc.GetByID(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx = reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerManual)
	result, err := s.reconciler.Reconcile(ctx, invoice.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListInvoicePayments(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	invoice, err := s.invoiceSvc.GetByID(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payments, err := s.ingestor.ListByInvoice(ctx, invoice.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments})
}
