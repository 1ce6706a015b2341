package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// FindDriverPath is the endpoint polled for a delivery driver.
const FindDriverPath = "/findExternalDeliveryDriver"

// DefaultURL is where the stub listens by default.
const DefaultURL = "http://localhost:9998"

// FindDriverRequest is the body posted to FindDriverPath.
type FindDriverRequest struct {
	OrderNumber string `json:"order_number"`
}

// FindDriverResponse is the body of a successful reply.
type FindDriverResponse struct {
	Service string `json:"service"`
}

// Client polls the delivery service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindDriver asks for a driver for orderNumber.
//
// Any HTTP reply is returned as its status code with a nil error, so the
// caller decides what a status means. The accepting service is decoded
// only from 2xx replies. err is non-nil only when no usable reply arrived.
func (c *Client) FindDriver(ctx context.Context, orderNumber string) (int, string, error) {
	body, err := json.Marshal(FindDriverRequest{OrderNumber: orderNumber})
	if err != nil {
		return 0, "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+FindDriverPath, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("find driver for %s: %w", orderNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("delivery service declined", "order", orderNumber, "status", resp.StatusCode)
		return resp.StatusCode, "", nil
	}

	var out FindDriverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("decode reply for %s: %w", orderNumber, err)
	}
	c.logger.Info("external delivery driver assigned", "order", orderNumber, "service", out.Service)
	return resp.StatusCode, out.Service, nil
}
