package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RazorpayClient creates orders against the Razorpay Orders API using basic
// auth. The webhook signature verification lives in the Ledger, which shares
// the key secret.
type RazorpayClient struct {
	Endpoint  string // defaults to the public API host
	KeyID     string
	KeySecret string
	Client    *http.Client
}

func NewRazorpayClient(keyID, keySecret string) *RazorpayClient {
	return &RazorpayClient{
		Endpoint:  "https://api.razorpay.com",
		KeyID:     keyID,
		KeySecret: keySecret,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *RazorpayClient) Name() string { return "razorpay" }

func (r *RazorpayClient) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":          amountMinor,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(r.KeyID, r.KeySecret)
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("razorpay order create: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("razorpay order create: empty order id")
	}
	return out.ID, nil
}
