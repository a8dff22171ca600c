// Package fees computes the platform fee on a donation and the total charged
// when the donor chooses to cover it.
package fees

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultPercent is the platform fee rate (5%).
var DefaultPercent = decimal.RequireFromString("0.05")

// Places is the precision of fiat amounts.
const Places = 2

var (
	ErrNegativeAmount  = errors.New("fees: amount must not be negative")
	ErrInvalidPercent  = errors.New("fees: fee percent must be between 0 and 1")
	ErrNotFiniteNumber = errors.New("fees: value is not a finite number")
)

// Breakdown is the result of a fee computation. All amounts are rounded to
// two decimal places, half-up.
type Breakdown struct {
	Amount      decimal.Decimal `json:"amount"`
	FeePercent  decimal.Decimal `json:"feePercent"`
	FeeAmount   decimal.Decimal `json:"feeAmount"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CoverFee    bool            `json:"coverFee"`
}

// ComputeTotal returns the fee on amount and the total charged. With coverFee
// the fee is added on top; otherwise the total equals amount. TotalAmount is
// never less than Amount.
func ComputeTotal(amount, feePercent decimal.Decimal, coverFee bool) (Breakdown, error) {
	if amount.IsNegative() {
		return Breakdown{}, ErrNegativeAmount
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(decimal.NewFromInt(1)) {
		return Breakdown{}, ErrInvalidPercent
	}

	amt := RoundFiat(amount)
	fee := RoundFiat(amt.Mul(feePercent))
	total := amt
	if coverFee {
		total = amt.Add(fee)
	}

	return Breakdown{
		Amount:      amt,
		FeePercent:  feePercent,
		FeeAmount:   fee,
		TotalAmount: total,
		CoverFee:    coverFee,
	}, nil
}

// ComputeTotalFloat is ComputeTotal for callers holding float64 values.
// NaN and infinities are rejected.
func ComputeTotalFloat(amount, feePercent float64, coverFee bool) (Breakdown, error) {
	if !finite(amount) || !finite(feePercent) {
		return Breakdown{}, ErrNotFiniteNumber
	}
	return ComputeTotal(decimal.NewFromFloat(amount), decimal.NewFromFloat(feePercent), coverFee)
}

// Default applies DefaultPercent.
func Default(amount decimal.Decimal, coverFee bool) (Breakdown, error) {
	return ComputeTotal(amount, DefaultPercent, coverFee)
}

// RoundFiat rounds half-up to two decimal places. Amounts here are never
// negative, so decimal's half-away-from-zero is half-up.
func RoundFiat(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
