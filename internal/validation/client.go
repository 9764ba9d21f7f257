package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/attendance"
)

// Client calls the external attendance validation API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	Timeout time.Duration
}

// New creates a client. timeout bounds each call independently of any
// caller deadline.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type validateResponse struct {
	RemoteID string `json:"remote_id"`
	Accepted *bool  `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Validate submits p and returns the remote id assigned to it. The event id
// travels as the Idempotency-Key header so repeated calls for one event are
// safe on the remote side.
//
// Outcomes:
//   - 2xx with a remote id: success
//   - 2xx with accepted=false, 400, 404, 409, 422: permanent rejection
//   - timeouts, connection failures, 408, 429, 5xx: transient
func (c *Client) Validate(ctx context.Context, p attendance.Payload) (string, error) {
	if c.Skip {
		return "local-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.EventID)).String(), nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/attendance/validate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.EventID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", attendance.Transient("validation request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", attendance.Transient(fmt.Sprintf("validation service error %s", resp.Status), nil)
	default:
		return "", attendance.Rejected(rejectReason(resp.Status, raw))
	}

	var out validateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", attendance.Transient("decode validation response", err)
	}
	if out.Accepted != nil && !*out.Accepted {
		return "", attendance.Rejected(nonEmpty(out.Reason, "rejected by validation service"))
	}
	if out.RemoteID == "" {
		return "", attendance.Transient("validation response missing remote_id", nil)
	}
	return out.RemoteID, nil
}

// Health checks that the validation service answers.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("validation service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("validation service unhealthy: %s", resp.Status)
	}
	return nil
}

func rejectReason(status string, body []byte) string {
	var out validateResponse
	if err := json.Unmarshal(body, &out); err == nil && out.Reason != "" {
		return out.Reason
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return status + ": " + text
	}
	return status
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
