package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"tournament-payments-system/utils"
)

// Mercado Pago payment statuses we care about. Anything else (in_process,
// in_mediation, ...) is treated as still pending.
const (
	ProviderStatusApproved  = "approved"
	ProviderStatusRejected  = "rejected"
	ProviderStatusCancelled = "cancelled"
	ProviderStatusPending   = "pending"
)

// ProviderPayment is the authoritative payment resource as reported by
// Mercado Pago. Webhook bodies are never trusted for amounts or status — we
// always re-fetch this.
type ProviderPayment struct {
	ID                int64                  `json:"id"`
	Status            string                 `json:"status"`
	StatusDetail      string                 `json:"status_detail"`
	TransactionAmount float64                `json:"transaction_amount"`
	ExternalReference string                 `json:"external_reference"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// PaymentFetcher is the slice of the Mercado Pago API the settlement engine needs.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error)
}

// MercadoPagoClient fetches payment resources from the Mercado Pago REST API.
type MercadoPagoClient struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func NewMercadoPagoClient() *MercadoPagoClient {
	token := os.Getenv("MP_ACCESS_TOKEN")
	if token == "" {
		log.Fatal("❌ MP_ACCESS_TOKEN is not set — cannot fetch payments from Mercado Pago")
	}
	baseURL := os.Getenv("MP_API_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.mercadopago.com"
	}

	return &MercadoPagoClient{
		BaseURL:     baseURL,
		AccessToken: token,
		HTTPClient:  utils.HTTPClient,
	}
}

func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.BaseURL, paymentID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Mercado Pago: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("Mercado Pago returned status %d for payment %s: %s", resp.StatusCode, paymentID, string(body))
	}

	var payment ProviderPayment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}

	return &payment, nil
}
