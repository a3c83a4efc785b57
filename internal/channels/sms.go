package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultSMSTimeout = 10 * time.Second

// SMSGateway sends texts through a bulk SMS HTTP gateway using a form-encoded quick send.
type SMSGateway struct {
	endpoint string
	apiKey   string
	userID   string
	password string
	senderID string
	client   *http.Client
	logger   *slog.Logger
}

// SMSOptions configures an SMSGateway.
type SMSOptions struct {
	Endpoint string
	APIKey   string
	UserID   string
	Password string
	SenderID string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewSMSGateway(opts SMSOptions) *SMSGateway {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSMSTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSGateway{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		userID:   opts.UserID,
		password: opts.Password,
		senderID: opts.SenderID,
		client:   client,
		logger:   logger,
	}
}

// SendSMS posts one message to one recipient.
func (g *SMSGateway) SendSMS(ctx context.Context, body, phone string) error {
	if g.endpoint == "" {
		return ErrNotConfigured
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return fmt.Errorf("send sms: empty phone number")
	}

	form := url.Values{}
	form.Set("userid", g.userID)
	form.Set("password", g.password)
	form.Set("senderid", g.senderID)
	form.Set("sendMethod", "quick")
	form.Set("msgType", "text")
	form.Set("msg", body)
	form.Set("mobile", phone)
	form.Set("duplicatecheck", "true")
	form.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("sms api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	g.logger.Debug("sms accepted by gateway", "phone", maskPhone(phone))
	return nil
}

// maskPhone keeps the last four digits for logging.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
