package paymentsapi

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/birdhaven/donations/internal/payerr"
)

// TokenSource supplies the bearer credential for backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// checkExpiry inspects a JWT bearer token without verifying its signature
// and reports ErrAuth when it has already expired, saving a round trip that
// would only return 401. Opaque tokens pass through.
func checkExpiry(token string, now time.Time) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return fmt.Errorf("%w: bearer token expired at %s", payerr.ErrAuth, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
