package poller

import (
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/paymentsapi"
)

// StatusOf maps an invoice back to the backend status it corresponds to.
func StatusOf(inv *invoice.Invoice) paymentsapi.Status {
	switch inv.Status {
	case invoice.StatusProcessing:
		return paymentsapi.StatusConfirming
	case invoice.StatusConfirmed:
		if inv.CompletedAt != nil {
			return paymentsapi.StatusCompleted
		}
		return paymentsapi.StatusConfirmed
	case invoice.StatusFailed:
		return paymentsapi.StatusFailed
	case invoice.StatusExpired:
		return paymentsapi.StatusExpired
	case invoice.StatusCancelled:
		return paymentsapi.StatusCancelled
	default:
		return paymentsapi.StatusPending
	}
}

// KindOf tells the UI what to show for inv after a check that returned err.
// An invoice whose payment window is closed is always KindClosed, whatever
// the last check reported.
func KindOf(inv *invoice.Invoice, err error) payerr.Kind {
	if inv != nil {
		switch inv.Status {
		case invoice.StatusExpired, invoice.StatusCancelled, invoice.StatusFailed:
			return payerr.KindClosed
		}
	}
	return payerr.Classify(err)
}

// invoiceStatus maps a backend status onto the invoice lifecycle.
func invoiceStatus(s paymentsapi.Status) invoice.Status {
	switch s {
	case paymentsapi.StatusConfirming:
		return invoice.StatusProcessing
	case paymentsapi.StatusConfirmed, paymentsapi.StatusCompleted:
		return invoice.StatusConfirmed
	case paymentsapi.StatusExpired:
		return invoice.StatusExpired
	case paymentsapi.StatusCancelled:
		return invoice.StatusCancelled
	case paymentsapi.StatusFailed:
		return invoice.StatusFailed
	default:
		return invoice.StatusPendingPayment
	}
}

// rank orders statuses along pending → confirming → confirmed → completed.
// Escape statuses rank with completed; nothing follows any of them.
func rank(s paymentsapi.Status) int {
	switch s {
	case paymentsapi.StatusPending:
		return 0
	case paymentsapi.StatusConfirming:
		return 1
	case paymentsapi.StatusConfirmed:
		return 2
	default:
		return 3
	}
}

// detected reports whether a payment has been seen for inv.
func detected(inv *invoice.Invoice) bool {
	return inv.TransactionHash != "" ||
		inv.Status == invoice.StatusProcessing ||
		inv.ConfirmedAt != nil
}
