// Package paypal implements the payment gateway against the PayPal
// Orders v2 REST API.
package paypal

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
	"sync"
	"time"

	"taskium/internal/models"
	"taskium/internal/payment"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	returnURL    string
	cancelURL    string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func New(baseURL, clientID, clientSecret, returnURL, cancelURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		returnURL:    returnURL,
		cancelURL:    cancelURL,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (c *Client) CreateOrder(ctx context.Context, order *models.PaymentOrder) (*payment.CreateResult, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": order.OrderID,
			"custom_id":    order.OrderID,
			"amount": map[string]string{
				"currency_code": "USD",
				"value":         order.AmountCharged.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"return_url": c.returnURL,
			"cancel_url": c.cancelURL,
		},
	}

	var resp orderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &resp); err != nil {
		return nil, err
	}

	approvalURL := ""
	for _, link := range resp.Links {
		if link.Rel == "approve" {
			approvalURL = link.Href
		}
	}
	return &payment.CreateResult{ExternalRef: resp.ID, ApprovalURL: approvalURL}, nil
}

func (c *Client) GetStatus(ctx context.Context, order *models.PaymentOrder) (payment.ExternalStatus, error) {
	if order.ExternalRef == nil {
		return payment.StatusPending, nil
	}
	var resp orderResponse
	err := c.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(*order.ExternalRef), nil, &resp)
	if err != nil {
		return "", err
	}
	return mapStatus(resp.Status), nil
}

func (c *Client) Capture(ctx context.Context, order *models.PaymentOrder) (*payment.CaptureResult, error) {
	if order.ExternalRef == nil {
		return nil, fmt.Errorf("%w: no external reference", payment.ErrRejected)
	}
	var resp orderResponse
	err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(*order.ExternalRef)+"/capture", struct{}{}, &resp)
	if err != nil {
		var apiErr *apiError
		// A repeat capture is reported as already captured; the first
		// capture's result stands.
		if errors.As(err, &apiErr) && apiErr.Issue == "ORDER_ALREADY_CAPTURED" {
			return &payment.CaptureResult{ExternalRef: *order.ExternalRef}, nil
		}
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", payment.ErrRejected, apiErr.Issue)
		}
		return nil, err
	}
	if resp.Status != "COMPLETED" {
		return nil, fmt.Errorf("%w: capture status %s", payment.ErrRejected, resp.Status)
	}
	return &payment.CaptureResult{ExternalRef: resp.ID}, nil
}

func mapStatus(s string) payment.ExternalStatus {
	switch s {
	case "APPROVED":
		return payment.StatusApproved
	case "COMPLETED":
		return payment.StatusCompleted
	case "VOIDED":
		return payment.StatusCancelled
	case "CREATED", "PAYER_ACTION_REQUIRED", "SAVED":
		return payment.StatusPending
	}
	return payment.StatusPending
}

type apiError struct {
	StatusCode int
	Issue      string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paypal api error %d: %s", e.StatusCode, e.Issue)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
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
		var errBody struct {
			Name    string `json:"name"`
			Details []struct {
				Issue string `json:"issue"`
			} `json:"details"`
		}
		_ = json.Unmarshal(data, &errBody)
		issue := errBody.Name
		if len(errBody.Details) > 0 {
			issue = errBody.Details[0].Issue
		}
		return &apiError{StatusCode: resp.StatusCode, Issue: issue}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token request failed: %s", resp.Status)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	c.accessToken = tokenResp.AccessToken
	// Refresh a minute early.
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return c.accessToken, nil
}
