package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heraldhq/herald/internal/model"
)

// StatusExtra carries the optional attachments of a status update.
type StatusExtra struct {
	PairingCode  []byte
	ErrorMessage string
}

// StatusSink receives session status changes. The core calls it
// fire-and-forget: a sink failure is logged by the caller and never
// fails the underlying job.
type StatusSink interface {
	UpdateSessionStatus(ctx context.Context, tenantID string, status model.SessionStatus, extra StatusExtra) error
}

// SinkClient pushes status updates to the API layer over HTTP,
// authenticated by the shared internal token.
type SinkClient struct {
	url    string
	token  string
	client *http.Client
}

func NewSinkClient(url, token string) *SinkClient {
	return &SinkClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type statusRequest struct {
	TenantID     string `json:"tenantId"`
	Status       string `json:"status"`
	PairingCode  string `json:"pairingCode,omitempty"` // base64 PNG
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (c *SinkClient) UpdateSessionStatus(ctx context.Context, tenantID string, status model.SessionStatus, extra StatusExtra) error {
	body := statusRequest{
		TenantID:     tenantID,
		Status:       string(status),
		ErrorMessage: extra.ErrorMessage,
	}
	if len(extra.PairingCode) > 0 {
		body.PairingCode = base64.StdEncoding.EncodeToString(extra.PairingCode)
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(raw))
	}
	return nil
}
