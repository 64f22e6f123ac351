package domain

import (
	"errors"

	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
)

var (
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrRateLimited      = errors.New("rate_limited")

	ErrTransactionConflict = reconciliationdomain.ErrTransactionConflict
)

// IsInvalidEvent reports whether err means the payload itself is unusable,
// so redelivering it can never succeed.
func IsInvalidEvent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidProvider) ||
		errors.Is(err, ErrInvalidPayload)
}
