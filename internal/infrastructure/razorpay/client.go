package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the Razorpay Orders API. All amounts at this boundary are
// in minor units (paise); rupee conversion happens in the caller via Minor/
// the settlement core.
type Client struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTP          *http.Client
}

const defaultBaseURL = "https://api.razorpay.com"

type RemoteOrder struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	AmountDue  int64  `json:"amount_due"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
}

type createOrderReq struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	Notes          map[string]string `json:"notes,omitempty"`
	PaymentCapture int               `json:"payment_capture"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*RemoteOrder, error) {
	// Gateway minimum is 100 paise.
	if amountMinor < 100 {
		return nil, fmt.Errorf("amount must be at least 1 INR")
	}
	raw, err := json.Marshal(createOrderReq{
		Amount:         amountMinor,
		Currency:       currency,
		Receipt:        receipt,
		Notes:          notes,
		PaymentCapture: 1,
	})
	if err != nil {
		return nil, err
	}
	var out RemoteOrder
	if err := c.do(ctx, http.MethodPost, "/v1/orders", raw, &out); err != nil {
		return nil, fmt.Errorf("razorpay order creation failed: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("razorpay order creation failed: missing order id")
	}
	return &out, nil
}

func (c *Client) FetchOrder(ctx context.Context, remoteOrderID string) (*RemoteOrder, error) {
	if strings.TrimSpace(remoteOrderID) == "" {
		return nil, fmt.Errorf("remote order id required")
	}
	var out RemoteOrder
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+remoteOrderID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyPaymentSignature checks the checkout callback signature: hex
// HMAC-SHA256 over "<order_id>|<payment_id>" keyed with the API key secret.
func (c *Client) VerifyPaymentSignature(remoteOrderID, remotePaymentID, signature string) bool {
	expected := PaymentSignature(remoteOrderID, remotePaymentID, c.KeySecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWebhookSignature checks the X-Razorpay-Signature header against the
// exact raw body bytes, keyed with the separate webhook secret.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	expected := WebhookSignature(body, c.WebhookSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) WebhookSecretConfigured() bool {
	return strings.TrimSpace(c.WebhookSecret) != ""
}

func PaymentSignature(remoteOrderID, remotePaymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(remoteOrderID + "|" + remotePaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func WebhookSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Description != "" {
			return fmt.Errorf("razorpay: %s (%s)", ae.Error.Description, ae.Error.Code)
		}
		return fmt.Errorf("razorpay: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
