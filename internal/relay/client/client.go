// Package client implements the device side of the dead-drop relay
// protocol: sealing payloads and dropping them, and listing, fetching and
// confirming blobs left by the home node. internal/mirror and
// cmd/crystald's conversation poller build their sync loops on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/crypto"
	"github.com/memorycrystal/crystal/internal/metrics"
)

const maxRetries = 4

// BlobSummary is one entry of a channel listing.
type BlobSummary struct {
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	DroppedAt time.Time `json:"dropped_at"`
	AgentID   string    `json:"agent_id"`
}

type listResponse struct {
	Channel string        `json:"channel"`
	Count   int           `json:"count"`
	Blobs   []BlobSummary `json:"blobs"`
}

type dropResponse struct {
	OK        bool      `json:"ok"`
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Size      int64     `json:"size"`
	DroppedAt time.Time `json:"dropped_at"`
}

// Client talks to one dead-drop relay server on behalf of one agent.
type Client struct {
	baseURL    string
	token      string
	masterKey  []byte
	httpClient *http.Client
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// New creates a relay client. masterKey seals every payload this client
// drops and opens every payload it fetches.
func New(baseURL, token string, masterKey []byte, logger *logrus.Logger, m *metrics.Metrics) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		masterKey:  masterKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		metrics:    m,
	}
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxRetries)
}

// Seal encrypts plaintext with the client's master key into a sealed
// envelope, ready to be JSON-marshalled onto the wire.
func (c *Client) Seal(plaintext []byte) (*crypto.Payload, error) {
	return crypto.Seal(plaintext, c.masterKey)
}

// Open decrypts a sealed envelope with the client's master key.
func (c *Client) Open(p *crypto.Payload) ([]byte, error) {
	return crypto.Open(p, c.masterKey)
}

// Drop seals plaintext and drops it onto channel, retrying transient
// failures with capped exponential backoff before surfacing the error.
func (c *Client) Drop(ctx context.Context, channel string, plaintext []byte) (string, error) {
	payload, err := c.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("client: seal: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("client: marshal payload: %w", err)
	}
	return c.DropRaw(ctx, channel, body)
}

// DropRaw drops already-serialized bytes (used by the mirror protocol,
// whose wire body bundles two sealed envelopes, not one).
func (c *Client) DropRaw(ctx context.Context, channel string, body []byte) (string, error) {
	var resp dropResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/drop/"+channel, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/octet-stream")

		start := time.Now()
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode/100 != 2 {
			raw, _ := io.ReadAll(httpResp.Body)
			if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("client: drop rejected: %s: %s", httpResp.Status, raw))
			}
			return fmt.Errorf("client: drop failed: %s: %s", httpResp.Status, raw)
		}

		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("client: decode drop response: %w", err))
		}
		if c.metrics != nil {
			c.metrics.RecordRelayOperation(ctx, "drop", channel, time.Since(start))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		if c.metrics != nil {
			c.metrics.RecordRelayError("drop", channel, "exhausted_retries")
		}
		return "", err
	}
	return resp.ID, nil
}

// List enumerates blobs currently sitting on channel.
func (c *Client) List(ctx context.Context, channel string) ([]BlobSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pickup/"+channel, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: list %s: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: list %s: %s", channel, resp.Status)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode list response: %w", err)
	}
	return out.Blobs, nil
}

// Fetch returns the raw sealed bytes of one blob, unopened.
func (c *Client) Fetch(ctx context.Context, channel, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pickup/"+channel+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch %s/%s: %w", channel, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch %s/%s: %s", channel, id, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Confirm deletes a blob after it has been applied. Confirm is best-effort:
// callers should ignore its error, since a crashed poller simply re-fetches.
func (c *Client) Confirm(ctx context.Context, channel, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/confirm/"+channel+"/"+id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: confirm %s/%s: %s", channel, id, resp.Status)
	}
	return nil
}
