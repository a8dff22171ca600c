// Package paymentsapi is the HTTP client for the remote payments backend:
// status checks, invoice registration and exchange-rate snapshots.
package paymentsapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/birdhaven/donations/internal/payerr"
)

// Status is the payment status reported by the backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Known reports whether s is a status this client understands.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusConfirming, StatusConfirmed, StatusCompleted,
		StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the backend will never move s again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CheckResult is the body of a check-status response.
type CheckResult struct {
	Status                Status    `json:"status"`
	Confirmations         int       `json:"confirmations"`
	RequiredConfirmations int       `json:"requiredConfirmations"`
	TransactionHash       string    `json:"transactionHash,omitempty"`
	PayerAddress          string    `json:"payerAddress,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// APIError is a non-2xx answer from the backend. It unwraps to the payerr
// sentinel that classifies it.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("payments backend %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error { return e.kind }

// classify picks the sentinel for an HTTP status. strictInput marks calls
// where 4xx means the request itself was rejected.
func classify(code int, strictInput bool) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return payerr.ErrAuth
	case strictInput && (code == http.StatusBadRequest || code == http.StatusUnprocessableEntity):
		return payerr.ErrInvalidRequest
	default:
		return payerr.ErrTransientNetwork
	}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, payerr.ErrAuth)
}
