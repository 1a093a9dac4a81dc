package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultResendBaseURL = "https://api.resend.com"

// ErrMissingMessageID is returned when the API accepts a request but does not
// hand back an email id.
var ErrMissingMessageID = errors.New("resend: response did not include an email id")

// APIError is a non-2xx response from the Resend API.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("resend: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("resend: %s (status %d): %s", e.Name, e.StatusCode, e.Message)
}

// ResendConfig configures the Resend transport.
type ResendConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ResendTransport sends through the Resend transactional email API.
type ResendTransport struct {
	cfg    ResendConfig
	client *http.Client
	log    *zap.SugaredLogger
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// NewResendTransport validates cfg and returns a transport.
func NewResendTransport(cfg ResendConfig, log *zap.SugaredLogger) (*ResendTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("resend: RESEND_API_KEY is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultResendBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ResendTransport{cfg: cfg, client: client, log: log}, nil
}

// Name implements the transport naming used in metrics.
func (t *ResendTransport) Name() string { return "resend" }

// Send posts msg to /emails and returns the Resend email id.
func (t *ResendTransport) Send(ctx context.Context, msg Message) (string, error) {
	raw, err := json.Marshal(resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("resend: encode request: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + "/emails"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("resend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("resend: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.StatusCode = resp.StatusCode
		return "", apiErr
	}

	var out resendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("resend: decode response: %w", err)
	}
	if out.ID == "" {
		return "", ErrMissingMessageID
	}

	t.log.Debugw("Resend accepted email", "emailID", out.ID, "to", msg.To)
	return out.ID, nil
}
