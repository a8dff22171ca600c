package invoice

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentLabel is shown by wallets as the payee.
const PaymentLabel = "Birdhaven"

var ErrMalformedPaymentURI = errors.New("malformed payment URI")

// PaymentRequest is the content of a Solana Pay transfer request URI.
type PaymentRequest struct {
	Recipient string
	Amount    decimal.Decimal
	SPLToken  string
	Label     string
	Message   string
	Memo      string
}

// DonationMessage is the wallet-facing message for an invoice.
func DonationMessage(birdID string) string {
	if birdID == "" {
		return "Donation"
	}
	return "Donation for bird " + birdID
}

// BuildPaymentURI renders a Solana Pay transfer request. Parameters are always
// emitted in the same order so the URI can be rebuilt from invoice fields.
func BuildPaymentURI(req PaymentRequest) string {
	var b strings.Builder
	b.WriteString("solana:")
	b.WriteString(req.Recipient)

	params := [][2]string{
		{"amount", req.Amount.String()},
		{"spl-token", req.SPLToken},
		{"label", req.Label},
		{"message", req.Message},
		{"memo", req.Memo},
	}
	sep := "?"
	for _, p := range params {
		if p[1] == "" {
			continue
		}
		b.WriteString(sep)
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(escape(p[1]))
		sep = "&"
	}
	return b.String()
}

// escape percent-encodes v with spaces as %20; wallets do not agree on '+'.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// ParsePaymentURI decodes a Solana Pay transfer request URI.
func ParsePaymentURI(raw string) (PaymentRequest, error) {
	rest, ok := strings.CutPrefix(raw, "solana:")
	if !ok {
		return PaymentRequest{}, fmt.Errorf("%w: missing solana: scheme", ErrMalformedPaymentURI)
	}
	recipient, query, _ := strings.Cut(rest, "?")
	if recipient == "" {
		return PaymentRequest{}, fmt.Errorf("%w: missing recipient", ErrMalformedPaymentURI)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrMalformedPaymentURI, err)
	}

	req := PaymentRequest{
		Recipient: recipient,
		SPLToken:  values.Get("spl-token"),
		Label:     values.Get("label"),
		Message:   values.Get("message"),
		Memo:      values.Get("memo"),
	}
	if a := values.Get("amount"); a != "" {
		amt, err := decimal.NewFromString(a)
		if err != nil || amt.IsNegative() {
			return PaymentRequest{}, fmt.Errorf("%w: bad amount %q", ErrMalformedPaymentURI, a)
		}
		req.Amount = amt
	}
	return req, nil
}

// ExpectedPaymentRequest rebuilds the request an invoice should carry from
// its stored fields alone.
func ExpectedPaymentRequest(inv *Invoice, splToken string) PaymentRequest {
	return PaymentRequest{
		Recipient: inv.MerchantAddress,
		Amount:    inv.ExpectedTokenAmount,
		SPLToken:  splToken,
		Label:     PaymentLabel,
		Message:   DonationMessage(inv.BirdID),
		Memo:      inv.ID,
	}
}

// VerifyPaymentURI checks that inv.PaymentURI matches what its fields imply.
// Non-crypto invoices carry an opaque provider URI and always pass.
func VerifyPaymentURI(inv *Invoice, splToken string) error {
	if !inv.IsCrypto() {
		return nil
	}
	want := BuildPaymentURI(ExpectedPaymentRequest(inv, splToken))
	if inv.PaymentURI != want {
		return fmt.Errorf("payment URI for %s does not match invoice fields: have %q want %q", inv.ID, inv.PaymentURI, want)
	}
	return nil
}
