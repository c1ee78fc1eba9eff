// Package broker implements the order-side external collaborator: a
// rate-limited REST client for placement and cancellation plus a push
// channel for fills and status changes.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"qbtrade/internal/domain/models"
	"qbtrade/internal/domain/repository"
	"qbtrade/internal/order"
	"qbtrade/internal/service/ratelimit"
	"qbtrade/pkg/logger"
)

// Client talks to the broker's REST API. Every call passes the token-bucket
// limiter; placement is idempotent on the client order id.
type Client struct {
	baseURL   string
	appKey    string
	appSecret string
	accountNo string
	rate      float64
	http      *http.Client
	limiter   *ratelimit.Limiter
	log       *logger.Logger

	fills  chan repository.FillNotification
	status chan repository.StatusChange
}

// New creates a broker REST client.
func New(baseURL, appKey, appSecret, accountNo string, rateLimit float64, connectTimeout, readTimeout time.Duration, log *logger.Logger) *Client {
	if rateLimit <= 0 {
		rateLimit = 18
	}
	return &Client{
		baseURL:   baseURL,
		appKey:    appKey,
		appSecret: appSecret,
		accountNo: accountNo,
		rate:      rateLimit,
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		limiter: ratelimit.New(),
		log:     log,
		fills:   make(chan repository.FillNotification, 256),
		status:  make(chan repository.StatusChange, 64),
	}
}

type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	AccountNo     string `json:"account_no"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price,omitempty"`
}

type placeResponse struct {
	BrokerOrderID string `json:"broker_order_id"`
	Message       string `json:"message"`
}

// Place submits an order. Retries at the engine reuse the same client order
// id, so a duplicate submission returns the original broker order id.
func (c *Client) Place(ctx context.Context, o *models.Order) (string, error) {
	if err := c.limiter.Wait(ctx, "orders", c.rate, c.rate); err != nil {
		return "", err
	}
	body := placeRequest{
		ClientOrderID: o.ID,
		AccountNo:     c.accountNo,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      o.Quantity,
	}
	if o.Type == models.TypeLimit {
		body.Price = o.Price.String()
	}

	var resp placeResponse
	if err := c.call(ctx, http.MethodPost, "/orders", &body, &resp); err != nil {
		return "", err
	}
	if resp.BrokerOrderID == "" {
		return "", fmt.Errorf("broker: empty order id (%s)", resp.Message)
	}
	return resp.BrokerOrderID, nil
}

// Cancel cancels a working order.
func (c *Client) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := c.limiter.Wait(ctx, "orders", c.rate, c.rate); err != nil {
		return err
	}
	return c.call(ctx, http.MethodDelete, "/orders/"+brokerOrderID, nil, nil)
}

type balanceResponse struct {
	Cash string `json:"cash"`
}

// Balance fetches available cash.
func (c *Client) Balance(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx, "account", c.rate, c.rate); err != nil {
		return "", err
	}
	var resp balanceResponse
	if err := c.call(ctx, http.MethodGet, "/account/balance", nil, &resp); err != nil {
		return "", err
	}
	return resp.Cash, nil
}

// Fills exposes the execution push channel.
func (c *Client) Fills() <-chan repository.FillNotification { return c.fills }

// StatusChanges exposes the status push channel.
func (c *Client) StatusChanges() <-chan repository.StatusChange { return c.status }

// Close shuts the push channels.
func (c *Client) Close() error {
	close(c.fills)
	close(c.status)
	return nil
}

// call performs one authenticated request, classifying 429/5xx as retriable.
func (c *Client) call(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Key", c.appKey)
	req.Header.Set("X-App-Secret", c.appSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return &order.RetriableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &order.RetriableError{Err: fmt.Errorf("broker status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return fmt.Errorf("broker status %d: %s", resp.StatusCode, msg.Message)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
