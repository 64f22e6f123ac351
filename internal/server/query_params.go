package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/clientdesk/internal/invoice/domain"
	"github.com/smallbiznis/clientdesk/pkg/db/pagination"
)

// bindListInvoicesQuery reads page_token, page_size, client_id, status and
// due_to. Each malformed parameter is reported under its own field.
func bindListInvoicesQuery(c *gin.Context) (invoicedomain.ListInvoiceRequest, error) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		return invoicedomain.ListInvoiceRequest{}, newValidationError("page_size", "invalid_page_size", "invalid page size")
	}
	req := invoicedomain.ListInvoiceRequest{Pagination: page}

	if raw := strings.TrimSpace(c.Query("client_id")); raw != "" {
		clientID, err := snowflake.ParseString(raw)
		if err != nil || clientID <= 0 {
			return req, newValidationError("client_id", "invalid_client_id", "invalid client_id")
		}
		req.ClientID = &clientID
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := invoicedomain.InvoiceStatus(strings.ToUpper(raw))
		req.Status = &status
	}

	if raw := strings.TrimSpace(c.Query("due_to")); raw != "" {
		dueTo, ok := parseInclusiveDate(raw)
		if !ok {
			return req, newValidationError("due_to", "invalid_due_to", "invalid due_to")
		}
		req.DueTo = &dueTo
	}
	return req, nil
}

// parseInclusiveDate accepts RFC 3339, or a bare date meaning the last
// instant of that UTC day.
func parseInclusiveDate(value string) (time.Time, bool) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, true
	}
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.Add(24*time.Hour - time.Nanosecond), true
}
