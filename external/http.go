package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client calls a collaborator service over JSON HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a collaborator client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("external: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("external: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("external: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("external: call %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("external: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("external: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("external: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("external: call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("external: decode %s response: %w", path, err)
	}
	return nil
}

// HTTPIdentityDirectory talks to the identity service.
type HTTPIdentityDirectory struct{ *Client }

// NewIdentityDirectory wires an identity directory client.
func NewIdentityDirectory(baseURL string, logger *zap.Logger) *HTTPIdentityDirectory {
	return &HTTPIdentityDirectory{NewClient(baseURL, logger)}
}

func (d *HTTPIdentityDirectory) ValidateRole(ctx context.Context, userID string) (RoleCheck, error) {
	var out struct {
		Authorized  bool    `json:"authorized"`
		CommunityID *string `json:"community_id"`
	}
	if err := d.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/role", &out); err != nil {
		return RoleCheck{}, err
	}
	return RoleCheck{Authorized: out.Authorized, CommunityID: out.CommunityID}, nil
}

func (d *HTTPIdentityDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	var out struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		Community string `json:"community"`
	}
	if err := d.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/profile", &out); err != nil {
		return Profile{}, err
	}
	return Profile{UserID: userID, Name: out.Name, AvatarURL: out.AvatarURL, Community: out.Community}, nil
}

// HTTPBalanceLedger talks to the balance service.
type HTTPBalanceLedger struct{ *Client }

// NewBalanceLedger wires a balance ledger client.
func NewBalanceLedger(baseURL string, logger *zap.Logger) *HTTPBalanceLedger {
	return &HTTPBalanceLedger{NewClient(baseURL, logger)}
}

func (l *HTTPBalanceLedger) Credit(ctx context.Context, userID string, amount int64) error {
	body := map[string]any{"user_id": userID, "amount": amount}
	return l.postJSON(ctx, "/balances/credit", body, nil)
}

// HTTPOrderLedger talks to the order service.
type HTTPOrderLedger struct{ *Client }

// NewOrderLedger wires an order ledger client.
func NewOrderLedger(baseURL string, logger *zap.Logger) *HTTPOrderLedger {
	return &HTTPOrderLedger{NewClient(baseURL, logger)}
}

func (l *HTTPOrderLedger) Create(ctx context.Context, params CreateOrderParams) (string, error) {
	body := map[string]any{
		"buyer_id":     params.BuyerID,
		"campaign_id":  params.CampaignID,
		"amount":       params.Amount,
		"quantity":     params.Quantity,
		"shipping_ref": params.ShippingRef,
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := l.postJSON(ctx, "/orders", body, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("external: order ledger returned empty order id")
	}
	return out.OrderID, nil
}

func (l *HTTPOrderLedger) SetStatus(ctx context.Context, orderID, status string) error {
	body := map[string]any{"status": status}
	return l.postJSON(ctx, "/orders/"+url.PathEscape(orderID)+"/status", body, nil)
}

func (l *HTTPOrderLedger) BatchSetStatus(ctx context.Context, orderIDs []string, status string) error {
	body := map[string]any{"order_ids": orderIDs, "status": status}
	return l.postJSON(ctx, "/orders/status", body, nil)
}

// HTTPProductCatalog talks to the product service.
type HTTPProductCatalog struct{ *Client }

// NewProductCatalog wires a product catalog client.
func NewProductCatalog(baseURL string, logger *zap.Logger) *HTTPProductCatalog {
	return &HTTPProductCatalog{NewClient(baseURL, logger)}
}

func (p *HTTPProductCatalog) Price(ctx context.Context, campaignID string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	if err := p.getJSON(ctx, "/campaigns/"+url.PathEscape(campaignID)+"/price", &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}
