// Package payerr defines the error taxonomy shared by the payment lifecycle
// components and maps it onto what the UI has to do next.
package payerr

import (
	"context"
	"errors"
)

var (
	// ErrInvalidRequest is returned for malformed or policy-violating invoice
	// input (bad amount, unsupported or deprecated currency/network pair).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateUnavailable means no usable exchange-rate snapshot could be taken.
	// The caller may re-invoke invoice creation.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrTransientNetwork covers connectivity failures, timeouts and non-auth
	// non-2xx responses from the backend.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuth means the credential used against the backend is invalid or expired.
	ErrAuth = errors.New("authentication failed")

	// ErrExpiredInvoice means the payment window closed before a terminal
	// confirmed state was reached.
	ErrExpiredInvoice = errors.New("invoice expired")

	// ErrAuditWrite is reported when an audit event could not be persisted.
	ErrAuditWrite = errors.New("audit write failed")
)

// Kind tells the UI which of its three states to show.
type Kind string

const (
	KindWaiting        Kind = "waiting"         // keep showing a spinner
	KindActionRequired Kind = "action_required" // user must act (re-auth, fix input)
	KindClosed         Kind = "closed"          // payment window closed
	KindUnknown        Kind = "unknown"
)

// Classify maps an error to the UI state it implies.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindWaiting
	case errors.Is(err, ErrAuth), errors.Is(err, ErrInvalidRequest):
		return KindActionRequired
	case errors.Is(err, ErrExpiredInvoice):
		return KindClosed
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrRateUnavailable),
		errors.Is(err, ErrAuditWrite), errors.Is(err, context.DeadlineExceeded):
		return KindWaiting
	}
	return KindUnknown
}

// IsRetryable reports whether retrying the same call later can succeed
// without user intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateUnavailable) ||
		errors.Is(err, ErrAuditWrite)
}
