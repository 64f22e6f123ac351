package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
)

func (s *Server) CreateInvoice(c *gin.Context) {
	var req invoicedomain.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoice, err := s.invoiceSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) ListInvoices(c *gin.Context) {
	req, err := bindListInvoicesQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	if err := s.invoiceSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) IssueInvoice(c *gin.Context) {
	s.invoiceAction(c, s.invoiceSvc.Issue)
}

func (s *Server) VoidInvoice(c *gin.Context) {
	s.invoiceAction(c, s.invoiceSvc.Void)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	s.invoiceAction(c, s.invoiceSvc.Cancel)
}

func (s *Server) MarkInvoiceSent(c *gin.Context) {
	s.invoiceAction(c, s.invoiceSvc.MarkSent)
}

func (s *Server) MarkInvoiceViewed(c *gin.Context) {
	s.invoiceAction(c, s.invoiceSvc.MarkViewed)
}

type signatureRequest struct {
	Signed *bool `json:"signed"`
}

func (s *Server) RecordInvoiceSignature(c *gin.Context) {
	var req signatureRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Signed == nil {
		AbortWithError(c, newValidationError("signed", "invalid_signed", "signed is required"))
		return
	}
	s.invoiceAction(c, func(ctx context.Context, id string) (invoicedomain.Invoice, error) {
		return s.invoiceSvc.RecordSignature(ctx, id, *req.Signed)
	})
}

func (s *Server) invoiceAction(c *gin.Context, action func(ctx context.Context, id string) (invoicedomain.Invoice, error)) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	invoice, err := action(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func invoiceIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return "", false
	}
	return id, true
}
