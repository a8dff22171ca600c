package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/idgen"
	"github.com/birdhaven/donations/internal/payerr"
)

// RegisterRequest is what the backend needs to open an invoice.
type RegisterRequest struct {
	BirdID              string                 `json:"birdId,omitempty"`
	AmountFiat          decimal.Decimal        `json:"amountFiat"`
	FiatCurrency        currency.Fiat          `json:"fiatCurrency"`
	PaymentMethod       currency.PaymentMethod `json:"paymentMethod"`
	CoverFee            bool                   `json:"coverFee"`
	ChargeFiat          decimal.Decimal        `json:"chargeFiat"`
	ExpectedTokenAmount decimal.Decimal        `json:"expectedTokenAmount"`
	TokenSymbol         string                 `json:"tokenSymbol"`
	ExchangeRate        decimal.Decimal        `json:"exchangeRate"`
	MerchantAddress     string                 `json:"merchantAddress,omitempty"`
	ExpiresAt           time.Time              `json:"expiresAt"`
}

// Registration is the backend's answer. PaymentURI is the provider checkout
// link for fiat methods; for crypto methods it is only compared against the
// locally built URI.
type Registration struct {
	ID         string `json:"id"`
	PaymentURI string `json:"paymentUri,omitempty"`
}

// Registrar assigns invoice ids, normally by creating the invoice on the
// payments backend.
type Registrar interface {
	Register(ctx context.Context, req RegisterRequest) (*Registration, error)
}

// LocalRegistrar assigns ids locally. It backs development setups without a
// payments backend and cannot open fiat checkouts.
type LocalRegistrar struct{}

func (LocalRegistrar) Register(_ context.Context, req RegisterRequest) (*Registration, error) {
	if req.PaymentMethod == currency.MethodPayPal {
		return nil, fmt.Errorf("%w: paypal checkout requires the payments backend", payerr.ErrInvalidRequest)
	}
	return &Registration{ID: idgen.WithPrefix("inv_")}, nil
}
