package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/outreachd/internal/models"
	"github.com/covergrid/outreachd/internal/signing"
)

// SendResult captures one delivery attempt. Transport failures land in Err;
// an HTTP response always carries its status code and truncated body.
type SendResult struct {
	StatusCode     int
	ResponseBody   string
	ResponseTimeMs int64
	Err            string
}

func (r *SendResult) Success() bool {
	return r.Err == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

type Sender struct {
	client *http.Client
	log    zerolog.Logger
}

func NewSender(timeout time.Duration, log zerolog.Logger) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Send posts the payload to one subscription with the signature headers. The
// payload bytes must be the exact serialized event; the signature covers them
// byte for byte.
func (s *Sender) Send(ctx context.Context, sub *models.WebhookSubscription, eventType string, payload []byte) *SendResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return &SendResult{
			Err:            fmt.Sprintf("failed to create request: %v", err),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "outreachd/1.0")
	req.Header.Set("X-Webhook-Signature", signing.Sign(sub.Secret, payload))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))

	for k, v := range s.customHeaders(sub) {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Err:            fmt.Sprintf("request failed: %v", err),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, models.MaxResponseBody))

	return &SendResult{
		StatusCode:     resp.StatusCode,
		ResponseBody:   string(body),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

// customHeaders parses the subscription's stored header JSON. A malformed
// value degrades to no custom headers; the delivery itself still goes out.
func (s *Sender) customHeaders(sub *models.WebhookSubscription) map[string]string {
	if sub.Headers == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(sub.Headers), &headers); err != nil {
		s.log.Warn().
			Str("subscription_id", sub.ID).
			Err(err).
			Msg("invalid custom headers json, delivering without them")
		return nil
	}
	return headers
}
