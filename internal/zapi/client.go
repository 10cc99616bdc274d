// ABOUTME: Outbound HTTP client for the Z-API style messaging gateway
// ABOUTME: Sends are bounded by a timeout; failures never roll back local state

package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrDeliveryFailed means the gateway rejected or timed out on an outbound
// send. The locally recorded message is the source of truth; callers flag
// it for retry instead of rolling back.
var ErrDeliveryFailed = errors.New("gateway delivery failed")

// Sender is the outbound half of the gateway collaborator.
type Sender interface {
	SendMessage(ctx context.Context, instanceID, to, body string) error
}

// Client talks to the messaging gateway over HTTP.
type Client struct {
	baseURL     string
	clientToken string
	http        *http.Client
	logger      *slog.Logger
}

// NewClient creates a gateway client. timeout bounds each send end to end.
func NewClient(baseURL, clientToken string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		clientToken: clientToken,
		http:        &http.Client{Timeout: timeout},
		logger:      logger.With("component", "zapi"),
	}
}

// sendTextRequest is the gateway's send-text body.
type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SendMessage delivers a text reply to a contact through the given gateway
// instance. Any transport error, timeout or non-2xx status is reported as
// ErrDeliveryFailed.
func (c *Client) SendMessage(ctx context.Context, instanceID, to, body string) error {
	payload, err := json.Marshal(sendTextRequest{Phone: to, Message: body})
	if err != nil {
		return fmt.Errorf("encoding send request: %w", err)
	}

	url := fmt.Sprintf("%s/instances/%s/send-text", c.baseURL, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientToken != "" {
		req.Header.Set("Client-Token", c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gateway send failed",
			"instance_id", instanceID, "to", to, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("gateway rejected send",
			"instance_id", instanceID, "to", to,
			"status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	c.logger.Debug("message delivered to gateway",
		"instance_id", instanceID, "to", to)
	return nil
}

var _ Sender = (*Client)(nil)
