package channels

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

	"rapid/sos-relay/internal/model"
)

const (
	sendAlertPath   = "/sos/sendTwilio"
	forwardMeshPath = "/sos/mesh"

	defaultCloudTimeout = 10 * time.Second
	maxErrorBody        = 4 << 10
)

// apiResponse is the envelope every cloud endpoint answers with.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CloudSender posts alerts to the RAPID cloud API.
type CloudSender struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// CloudOptions configures a CloudSender.
type CloudOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewCloudSender(opts CloudOptions) *CloudSender {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultCloudTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudSender{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  client,
		logger:  logger,
	}
}

func (c *CloudSender) Method() model.DeliveryMethod { return model.MethodAPI }

// SendAlert submits alert for delivery by the cloud service.
func (c *CloudSender) SendAlert(ctx context.Context, alert model.Alert) error {
	if err := c.post(ctx, sendAlertPath, alert); err != nil {
		return fmt.Errorf("send alert %s: %w", alert.ID, err)
	}
	return nil
}

// ForwardMesh hands a payload received over the mesh to the cloud, making this node a gateway.
func (c *CloudSender) ForwardMesh(ctx context.Context, payload any) error {
	if err := c.post(ctx, forwardMeshPath, payload); err != nil {
		return fmt.Errorf("forward mesh payload: %w", err)
	}
	return nil
}

func (c *CloudSender) post(ctx context.Context, path string, body any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud api status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !parsed.Success {
		if parsed.Error == "" {
			parsed.Error = "request rejected"
		}
		return fmt.Errorf("cloud api: %s", parsed.Error)
	}

	c.logger.Debug("cloud request accepted", "path", path)
	return nil
}
