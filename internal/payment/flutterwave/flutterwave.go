// Package flutterwave implements the payment gateway against the
// Flutterwave v3 API. Charges settle on the provider side, so capture is
// a verification of the settled transaction rather than a separate call.
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskium/internal/models"
	"taskium/internal/payment"
)

type Client struct {
	baseURL     string
	secretKey   string
	redirectURL string
	client      *http.Client
}

func New(baseURL, secretKey, redirectURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secretKey:   secretKey,
		redirectURL: redirectURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateOrder(ctx context.Context, order *models.PaymentOrder) (*payment.CreateResult, error) {
	body := map[string]any{
		"tx_ref":       order.OrderID,
		"amount":       order.AmountCharged.StringFixed(2),
		"currency":     "USD",
		"redirect_url": c.redirectURL,
		"customer": map[string]string{
			"email": order.UserID + "@users.taskium",
		},
	}

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v3/payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("flutterwave create returned status %q", resp.Status)
	}
	// The tx_ref is the provider-side handle for verification.
	return &payment.CreateResult{ExternalRef: order.OrderID, ApprovalURL: resp.Data.Link}, nil
}

type verifyResponse struct {
	Status string `json:"status"`
	Data   struct {
		ID     int64  `json:"id"`
		TxRef  string `json:"tx_ref"`
		Status string `json:"status"`
	} `json:"data"`
}

func (c *Client) GetStatus(ctx context.Context, order *models.PaymentOrder) (payment.ExternalStatus, error) {
	resp, err := c.verify(ctx, order.OrderID)
	if err != nil {
		return "", err
	}
	switch resp.Data.Status {
	case "successful":
		return payment.StatusCompleted, nil
	case "cancelled":
		return payment.StatusCancelled, nil
	case "failed":
		return payment.StatusFailed, nil
	}
	return payment.StatusPending, nil
}

func (c *Client) Capture(ctx context.Context, order *models.PaymentOrder) (*payment.CaptureResult, error) {
	resp, err := c.verify(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if resp.Data.Status != "successful" {
		return nil, fmt.Errorf("%w: transaction status %s", payment.ErrRejected, resp.Data.Status)
	}
	return &payment.CaptureResult{ExternalRef: strconv.FormatInt(resp.Data.ID, 10)}, nil
}

func (c *Client) verify(ctx context.Context, txRef string) (*verifyResponse, error) {
	endpoint := c.baseURL + "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(txRef)
	var resp verifyResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	endpoint := path
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = c.baseURL + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("flutterwave api error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
