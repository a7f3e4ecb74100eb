package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

func TestSSEStreamDelivers(t *testing.T) {
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	mux := http.NewServeMux()
	NewSSE(h, zerolog.Nop()).Register(mux, "/cauce/v1")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, rpcErr := h.Hello(context.Background(), "sse", &protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "agent-1",
		ClientType:      protocol.ClientTypeAgent,
	}, auth.Credentials{})
	require.Nil(t, rpcErr)
	subResp, rpcErr := h.Subscribe(sess.SessionID, &protocol.SubscribeParams{
		Patterns: []string{"signal.email.*"},
	})
	require.Nil(t, rpcErr)
	require.Equal(t, "active", subResp.Status)

	resp, err := http.Get(srv.URL + "/cauce/v1/sse?session=" + sess.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// wait until the stream's sender is attached
	require.Eventually(t, func() bool {
		return h.Sessions().Sender(sess.SessionID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	pub, rpcErr := h.Hello(context.Background(), "polling", &protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "adapter-1",
		ClientType:      protocol.ClientTypeAdapter,
	}, auth.Credentials{})
	require.Nil(t, rpcErr)
	pubResp, rpcErr := h.Publish(pub.SessionID, &protocol.PublishParams{
		Topic:  "signal.email.received",
		Signal: pollSignal("signal.email.received"),
	})
	require.Nil(t, rpcErr)
	require.Equal(t, 1, pubResp.Recipients)

	type event struct {
		name string
		data string
	}
	events := make(chan event, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var name, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				events <- event{name, data}
				return
			}
		}
	}()

	select {
	case ev := <-events:
		assert.Equal(t, "signal", ev.name)
		// data is the bare delivery, no JSON-RPC envelope
		var d protocol.SignalDelivery
		require.NoError(t, json.Unmarshal([]byte(ev.data), &d))
		assert.Equal(t, "signal.email.received", d.Topic)
		require.NotNil(t, d.Signal)
		assert.Equal(t, pubResp.SignalID, d.Signal.ID)

		var envelope map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(ev.data), &envelope))
		assert.NotContains(t, envelope, "jsonrpc")
	case <-time.After(3 * time.Second):
		t.Fatal("no signal event arrived on the stream")
	}
}

func TestSSERejectsUnknownSession(t *testing.T) {
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	mux := http.NewServeMux()
	NewSSE(h, zerolog.Nop()).Register(mux, "/cauce/v1")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cauce/v1/sse?session=sess-nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/cauce/v1/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
