package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

// adminClient calls the order-service admin routes with a short-lived
// HS256 token signed from the shared secret.
type adminClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

type outcome struct {
	Order         domain.Order `json:"order"`
	Transitioned  bool         `json:"transitioned"`
	DeliveryError string       `json:"delivery_error"`
}

func (c *adminClient) List(ctx context.Context, status string) ([]domain.Order, error) {
	path := "/admin/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Orders []domain.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *adminClient) Redeliver(ctx context.Context, id domain.OrderID) (outcome, error) {
	var out outcome
	err := c.do(ctx, http.MethodPost, "/admin/orders/"+url.PathEscape(string(id))+"/redeliver", &out)
	return out, err
}

func (c *adminClient) token() (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "cli",
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
	}).SignedString([]byte(c.secret))
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	client := c.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
