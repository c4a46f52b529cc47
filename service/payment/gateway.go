package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ErrGatewayUnavailable indicates the payment provider could not be
// reached or returned an unusable response. Surfaced as 503; the caller
// retries.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// GatewayClient talks to the payment provider's REST API. Amounts on the
// wire are in the currency's minor unit.
type GatewayClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewGatewayClient() *GatewayClient {
	baseURL := os.Getenv("GATEWAY_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &GatewayClient{
		baseURL:   baseURL,
		secretKey: os.Getenv("GATEWAY_SECRET_KEY"),
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// InitializeResult is the provider's answer to an initialize call. The
// access code is the client-side secret used to open the checkout.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// InitializeTransaction registers a payment intent with the provider.
func (g *GatewayClient) InitializeTransaction(email string, amountMinor int64, currency, reference string, metadata map[string]interface{}) (*InitializeResult, error) {
	payload := map[string]interface{}{
		"email":     email,
		"amount":    amountMinor,
		"currency":  currency,
		"reference": reference,
		"metadata":  metadata,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", g.baseURL+"/transaction/initialize", bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var body struct {
		Status  bool             `json:"status"`
		Message string           `json:"message"`
		Data    InitializeResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if !body.Status {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, body.Message)
	}

	return &body.Data, nil
}

// VerifyResult is the provider's view of a checkout session.
type VerifyResult struct {
	Reference string  `json:"reference"`
	Status    string  `json:"status"` // success, failed, abandoned
	Amount    float64 `json:"amount"` // minor units
	Currency  string  `json:"currency"`
}

// VerifyTransaction fetches the authoritative state of a checkout session.
// Used by the synchronous confirm-checkout fallback when the webhook has
// not arrived yet.
func (g *GatewayClient) VerifyTransaction(reference string) (*VerifyResult, error) {
	req, err := http.NewRequest("GET", g.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var body struct {
		Status  bool         `json:"status"`
		Message string       `json:"message"`
		Data    VerifyResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if !body.Status {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, body.Message)
	}

	return &body.Data, nil
}
