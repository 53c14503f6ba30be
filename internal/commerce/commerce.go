// Package commerce talks to the store platform: order forms, order
// history and checkout marketing data, addressed by account domain.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"retail-notifications-api/internal/cache"
	"retail-notifications-api/internal/models"
)

// DomainCacheTTL bounds how long a resolved account domain is reused
// before being recomputed.
const DomainCacheTTL = 12 * time.Hour

// OrderForm is the live cart snapshot fetched at evaluation time.
type OrderForm struct {
	OrderFormID   string               `json:"orderFormId"`
	Items         []models.CartItem    `json:"items"`
	ClientProfile models.ClientProfile `json:"clientProfileData"`
	Locale        string               `json:"locale"`
}

// Order is a placed-order record from the order management system.
type Order struct {
	OrderID       string               `json:"orderId"`
	OrderFormID   string               `json:"orderFormId"`
	Status        string               `json:"status"`
	Items         []models.CartItem    `json:"items"`
	ClientProfile models.ClientProfile `json:"clientProfileData"`
	CreatedOn     string               `json:"creationDate"`
}

// Client is the platform API surface the pipelines depend on.
type Client interface {
	OrderFormDetails(ctx context.Context, accountDomain, orderFormID string) (OrderForm, error)
	OrderDetailsByEmail(ctx context.Context, accountDomain, email string) ([]Order, error)
	OrderDetailsByID(ctx context.Context, accountDomain, orderID string) (Order, error)
	SetMarketingData(ctx context.Context, accountDomain, orderFormID, utmSource string) error
}

// HTTPClient implements Client against the store platform's HTTP APIs.
type HTTPClient struct {
	httpClient *http.Client
	token      string
}

// NewHTTPClient creates a platform client authenticating with the given
// service token.
func NewHTTPClient(token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

// OrderFormDetails fetches the order form snapshot by ID.
func (c *HTTPClient) OrderFormDetails(ctx context.Context, accountDomain, orderFormID string) (OrderForm, error) {
	endpoint := fmt.Sprintf("https://%s/_v/order-form-details", accountDomain)
	params := url.Values{"orderFormId": {orderFormID}}

	var form OrderForm
	if err := c.getJSON(ctx, endpoint, params, &form); err != nil {
		return OrderForm{}, fmt.Errorf("failed to fetch order form %s: %w", orderFormID, err)
	}
	return form, nil
}

// OrderDetailsByEmail fetches the user's order history, newest first.
func (c *HTTPClient) OrderDetailsByEmail(ctx context.Context, accountDomain, email string) ([]Order, error) {
	endpoint := fmt.Sprintf("https://%s/_v/orders-by-email", accountDomain)
	params := url.Values{"user_email": {email}}

	var payload struct {
		List []Order `json:"list"`
	}
	if err := c.getJSON(ctx, endpoint, params, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch orders by email: %w", err)
	}
	return payload.List, nil
}

// OrderDetailsByID fetches one placed order.
func (c *HTTPClient) OrderDetailsByID(ctx context.Context, accountDomain, orderID string) (Order, error) {
	endpoint := fmt.Sprintf("https://%s/_v/order-by-id", accountDomain)
	params := url.Values{"orderId": {orderID}}

	var order Order
	if err := c.getJSON(ctx, endpoint, params, &order); err != nil {
		return Order{}, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	return order, nil
}

// SetMarketingData attaches the attribution UTM source to a checkout
// order form, so converted carts credit the notification channel.
func (c *HTTPClient) SetMarketingData(ctx context.Context, accountDomain, orderFormID, utmSource string) error {
	endpoint := fmt.Sprintf("https://%s/api/checkout/pub/orderForm/%s/attachments/marketingData", accountDomain, orderFormID)

	body, err := json.Marshal(map[string]string{"utmSource": utmSource})
	if err != nil {
		return fmt.Errorf("failed to serialize marketing data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set marketing data: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("marketing data request returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, params url.Values, dest interface{}) error {
	params.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("request returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}

// AccountDomain resolves the store's public domain for a tenant project,
// cached because it changes rarely and is read on every evaluation.
func AccountDomain(ctx context.Context, store cache.Cache, project models.Project) (string, error) {
	key := fmt.Sprintf("project_domain_%s", project.UUID)
	return cache.ReadThrough(ctx, store, key, DomainCacheTTL, func(ctx context.Context) (string, error) {
		if project.Account == "" {
			return "", fmt.Errorf("project %s has no store account", project.UUID)
		}
		return fmt.Sprintf("%s.myvtex.com", project.Account), nil
	})
}
