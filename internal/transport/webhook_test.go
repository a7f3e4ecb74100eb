package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

func webhookDelivery() *protocol.SignalDelivery {
	return &protocol.SignalDelivery{
		Topic: "signal.email.received",
		Signal: &protocol.Signal{
			ID:        "sig_1_aaaaaaaaaaaa",
			Version:   protocol.ProtocolVersion,
			Timestamp: time.Now(),
			Topic:     "signal.email.received",
			Source:    protocol.Source{Type: "email", AdapterID: "adapter-1"},
		},
	}
}

func TestWebhookSenderDelivers(t *testing.T) {
	var gotBody []byte
	var gotSig, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := NewWebhookFactory(time.Second, zerolog.Nop())
	sender := factory(&protocol.WebhookConfig{
		URL:     srv.URL,
		Secret:  "hook-secret",
		Headers: map[string]string{"X-Custom": "yes"},
	})

	require.True(t, sender.IsConnected())
	require.NoError(t, sender.SendSignal(webhookDelivery()))

	// body is the bare delivery object, no JSON-RPC envelope
	var got protocol.SignalDelivery
	require.NoError(t, json.Unmarshal(gotBody, &got))
	assert.Equal(t, "signal.email.received", got.Topic)
	require.NotNil(t, got.Signal)
	assert.Equal(t, "sig_1_aaaaaaaaaaaa", got.Signal.ID)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.NotContains(t, envelope, "jsonrpc")
	assert.NotContains(t, envelope, "method")

	assert.Equal(t, Sign("hook-secret", gotBody), gotSig)
	assert.Equal(t, "yes", gotHeader)
}

func TestWebhookSenderNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	factory := NewWebhookFactory(time.Second, zerolog.Nop())
	sender := factory(&protocol.WebhookConfig{URL: srv.URL})
	assert.Error(t, sender.SendSignal(webhookDelivery()))
}

func TestWebhookSenderUnreachable(t *testing.T) {
	factory := NewWebhookFactory(100*time.Millisecond, zerolog.Nop())
	sender := factory(&protocol.WebhookConfig{URL: "http://127.0.0.1:1/never"})
	assert.Error(t, sender.SendSignal(webhookDelivery()))
}

func TestSignStable(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.Equal(t, Sign("s", body), Sign("s", body))
	assert.NotEqual(t, Sign("s", body), Sign("other", body))
}
