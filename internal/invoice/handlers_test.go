package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhaven/donations/internal/currency"
)

func setupTestRouter() (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture()
	r := gin.New()
	NewHandler(f.svc, f.trail).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type invoiceResp struct {
	Invoice struct {
		ID                  string `json:"id"`
		Status              string `json:"status"`
		ExpectedTokenAmount string `json:"expectedTokenAmount"`
		PaymentURI          string `json:"paymentUri"`
	} `json:"invoice"`
}

func TestHandler_CreateAndGetInvoice(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
		"birdId":        "bird-42",
		"amountFiat":    "50",
		"fiatCurrency":  "USD",
		"paymentMethod": "usdc-solana",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created invoiceResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "PENDING_PAYMENT", created.Invoice.Status)
	assert.Equal(t, "50", created.Invoice.ExpectedTokenAmount)

	w = doJSON(router, http.MethodGet, "/v1/invoices/"+created.Invoice.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got invoiceResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.Invoice.PaymentURI, got.Invoice.PaymentURI)
}

func TestHandler_CreateInvalid(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
		"amountFiat":    "10",
		"fiatCurrency":  "USD",
		"paymentMethod": "usdt-tron",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body["error"])
	assert.Equal(t, "action_required", body["kind"])

	w = doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{"amountFiat": "10"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing required fields")
}

func TestHandler_CreateRateUnavailable(t *testing.T) {
	router, f := setupTestRouter()
	f.rates.value = f.rates.value.Neg()

	w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
		"amountFiat": "10", "fiatCurrency": "USD", "paymentMethod": "usdc",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"waiting"`)
}

func TestHandler_GetNotFound(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(router, http.MethodGet, "/v1/invoices/inv_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CancelAndEvents(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
		"amountFiat": "10", "fiatCurrency": "USD", "paymentMethod": "usdc",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created invoiceResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Invoice.ID

	w = doJSON(router, http.MethodPost, "/v1/invoices/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodPost, "/v1/invoices/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/invoices/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var events struct {
		Events []struct {
			Type string `json:"eventType"`
		} `json:"events"`
		Consistent bool `json:"consistent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, "INVOICE_CREATED", events.Events[0].Type)
	assert.Equal(t, "FAILED", events.Events[1].Type)
	assert.True(t, events.Consistent)
	assert.NotContains(t, w.Body.String(), "paymentUriMismatch")
}

func TestHandler_ListPaymentMethods(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodGet, "/v1/payment-methods", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Methods []struct {
			Method  string `json:"method"`
			Enabled bool   `json:"enabled"`
		} `json:"methods"`
		Recommended string `json:"recommended"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Methods, 3)
	assert.Equal(t, "solana_usdc", resp.Recommended)

	w = doJSON(router, http.MethodGet, "/v1/payment-methods?all=true", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Methods, 8)
	disabled := 0
	for _, m := range resp.Methods {
		if !m.Enabled {
			disabled++
		}
	}
	assert.Equal(t, 5, disabled)
}

func TestHandler_QuoteFee(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/fees/quote", map[string]any{"amount": "100", "coverFee": true})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Quote struct {
			FeeAmount   string `json:"feeAmount"`
			TotalAmount string `json:"totalAmount"`
		} `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "5", resp.Quote.FeeAmount)
	assert.Equal(t, "105", resp.Quote.TotalAmount)

	w = doJSON(router, http.MethodPost, "/v1/fees/quote", map[string]any{"amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListBirdInvoices(t *testing.T) {
	router, _ := setupTestRouter()
	for i := 0; i < 2; i++ {
		w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
			"birdId": "bird-9", "amountFiat": "10", "fiatCurrency": "EUR", "paymentMethod": "eurc",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(router, http.MethodGet, "/v1/birds/bird-9/invoices?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"hasMore":true`)

	w = doJSON(router, http.MethodGet, "/v1/birds/bird-9/invoices?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_LegacyInvoiceDisplay(t *testing.T) {
	router, f := setupTestRouter()
	now := f.clock.Now()
	legacy := &Invoice{
		ID:                    "inv_legacy",
		BirdID:                "bird-7",
		AmountFiat:            decimal.NewFromInt(20),
		FiatCurrency:          currency.USD,
		PaymentMethod:         currency.MethodEthereumUSDT,
		Network:               currency.NetworkEthereum,
		MerchantAddress:       "0xdac17f958d2ee523a2206206994597c13d831ec7",
		Status:                StatusConfirmed,
		Confirmations:         12,
		RequiredConfirmations: 12,
		CreatedAt:             now.Add(-24 * time.Hour),
		ExpiresAt:             now.Add(-23 * time.Hour),
		UpdatedAt:             now.Add(-24 * time.Hour),
	}
	require.NoError(t, f.store.Create(context.Background(), legacy))

	w := doJSON(router, http.MethodGet, "/v1/invoices/inv_legacy", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Invoice struct {
			ID               string `json:"id"`
			MerchantAddress  string `json:"merchantAddress"`
			DeprecatedMethod bool   `json:"deprecatedMethod"`
		} `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "inv_legacy", body.Invoice.ID)
	assert.True(t, body.Invoice.DeprecatedMethod)
	assert.Equal(t, "0xdAC17F958D2ee523a2206206994597C13D831ec7", body.Invoice.MerchantAddress)

	// The stored record keeps the address as written.
	stored, err := f.svc.Get(context.Background(), "inv_legacy")
	require.NoError(t, err)
	assert.Equal(t, legacy.MerchantAddress, stored.MerchantAddress)

	w = doJSON(router, http.MethodGet, "/v1/birds/bird-7/invoices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deprecatedMethod":true`)
}

func TestHandler_CurrentInvoiceNotDeprecated(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(router, http.MethodPost, "/v1/invoices", map[string]any{
		"birdId": "bird-1", "amountFiat": "5", "fiatCurrency": "USD", "paymentMethod": "usdc",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created invoiceResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodGet, "/v1/invoices/"+created.Invoice.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "deprecatedMethod")
	assert.Contains(t, w.Body.String(), testMerchant)
}
