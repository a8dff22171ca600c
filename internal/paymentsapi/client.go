package paymentsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/birdhaven/donations/internal/circuitbreaker"
	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/invoice"
	"github.com/birdhaven/donations/internal/metrics"
	"github.com/birdhaven/donations/internal/payerr"
	"github.com/birdhaven/donations/internal/traces"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	ratesKey       = "rates"
)

// Config holds the connection settings for the payments backend.
type Config struct {
	BaseURL string // e.g. "https://api.birdhaven.org"
	Timeout time.Duration
}

// Client talks to the payments backend. It satisfies invoice.Registrar and
// invoice.RateSource.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker guards rate lookups with the given circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the backend at cfg.BaseURL.
func NewClient(cfg Config, tokens TokenSource, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope unwraps responses of the form {"data": {...}}. Bare objects are
// accepted as well.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// doRequest performs one call and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, endpoint, method, path string, query url.Values, body, out any, strictInput bool) (err error) {
	ctx, span := traces.StartSpan(ctx, "paymentsapi."+endpoint, traces.Endpoint(endpoint))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(payerr.Classify(err))
		}
		metrics.BackendRequestDuration.WithLabelValues(endpoint, result).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: obtain token: %v", payerr.ErrAuth, err)
	}
	if err := checkExpiry(token, c.now()); err != nil {
		return err
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", payerr.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", payerr.ErrTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, kind: classify(resp.StatusCode, strictInput)}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			apiErr.Code = eb.Error
			if eb.Code != "" {
				apiErr.Code = eb.Code
			}
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	payload := respBody
	var env envelope
	if json.Unmarshal(respBody, &env) == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", payerr.ErrTransientNetwork, endpoint, err)
	}
	return nil
}

// CheckStatus asks the backend for the current status of an invoice. The
// same endpoint serves crypto and PayPal invoices.
func (c *Client) CheckStatus(ctx context.Context, invoiceID string) (*CheckResult, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: empty invoice id", payerr.ErrInvalidRequest)
	}
	path := "/payments/crypto/" + url.PathEscape(invoiceID) + "/check-status"
	var res CheckResult
	if err := c.doRequest(ctx, "check_status", http.MethodPost, path, nil, struct{}{}, &res, false); err != nil {
		return nil, err
	}
	if !res.Status.Known() {
		return nil, fmt.Errorf("%w: unknown payment status %q", payerr.ErrTransientNetwork, res.Status)
	}
	if res.Confirmations < 0 {
		res.Confirmations = 0
	}
	return &res, nil
}

// Register creates the invoice on the backend.
func (c *Client) Register(ctx context.Context, req invoice.RegisterRequest) (*invoice.Registration, error) {
	var reg invoice.Registration
	if err := c.doRequest(ctx, "register", http.MethodPost, "/payments/invoices", nil, req, &reg, true); err != nil {
		return nil, err
	}
	if reg.ID == "" {
		return nil, fmt.Errorf("%w: backend returned no invoice id", payerr.ErrTransientNetwork)
	}
	return &reg, nil
}

type rateBody struct {
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Rate fetches the current fiat-per-token rate. Every failure is reported as
// ErrRateUnavailable so invoice creation can be retried as a whole.
func (c *Client) Rate(ctx context.Context, fiat currency.Fiat, token string) (invoice.Rate, error) {
	var body rateBody
	q := url.Values{}
	q.Set("fiat", string(fiat))
	q.Set("token", token)

	err := c.breaker.Execute(ratesKey, func(err error) bool {
		return !errors.Is(err, payerr.ErrAuth)
	}, func() error {
		return c.doRequest(ctx, "rates", http.MethodGet, "/payments/rates", q, nil, &body, false)
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return invoice.Rate{}, fmt.Errorf("%w: rates circuit open", payerr.ErrRateUnavailable)
	case errors.Is(err, payerr.ErrAuth):
		return invoice.Rate{}, err
	case err != nil:
		return invoice.Rate{}, fmt.Errorf("%w: %v", payerr.ErrRateUnavailable, err)
	}
	if !body.Rate.IsPositive() {
		return invoice.Rate{}, fmt.Errorf("%w: non-positive rate %s", payerr.ErrRateUnavailable, body.Rate)
	}
	if body.FetchedAt.IsZero() {
		body.FetchedAt = c.now()
	}
	return invoice.Rate{Fiat: fiat, Token: token, Value: body.Rate, FetchedAt: body.FetchedAt}, nil
}

var (
	_ invoice.Registrar  = (*Client)(nil)
	_ invoice.RateSource = (*Client)(nil)
)
