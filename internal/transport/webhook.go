package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
	"github.com/cauce-dev/cauce-hub/internal/session"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the subscription's webhook secret.
const SignatureHeader = "X-Cauce-Signature"

// WebhookSender POSTs signal deliveries to a subscription's webhook URL.
// Receivers signal success with any 2xx status; anything else leaves the
// delivery pending for the redelivery schedule.
type WebhookSender struct {
	cfg    *protocol.WebhookConfig
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookSender(cfg *protocol.WebhookConfig, client *http.Client, log zerolog.Logger) *WebhookSender {
	return &WebhookSender{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("transport", "webhook").Logger(),
	}
}

// NewWebhookFactory builds the sender constructor the hub uses for webhook
// subscriptions. One shared client bounds every outbound call by timeout.
func NewWebhookFactory(timeout time.Duration, log zerolog.Logger) hub.WebhookSenderFactory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(cfg *protocol.WebhookConfig) session.SignalSender {
		return NewWebhookSender(cfg, client, log)
	}
}

// Sign computes the hex HMAC-SHA256 of body with the given secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SendSignal POSTs the bare delivery object; receivers get the topic and
// signal without JSON-RPC framing.
func (s *WebhookSender) SendSignal(d *protocol.SignalDelivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.cfg.Secret, body))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		s.log.Debug().
			Int("status", resp.StatusCode).
			Str("url", s.cfg.URL).
			Str("signal_id", d.Signal.ID).
			Msg("Webhook delivery refused")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// IsConnected always reports true; the webhook target's availability is only
// known per request.
func (s *WebhookSender) IsConnected() bool { return true }
