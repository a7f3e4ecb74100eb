package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/config"
	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

func pollingConfig() *config.Config {
	return &config.Config{
		Addr:                      ":0",
		SessionTTL:                time.Minute,
		MaxPayloadBytes:           1 << 20,
		MaxSubscriptionsPerClient: 10,
		MaxTopicsPerSubscription:  5,
		RedeliveryEnabled:         false,
		RedeliveryInitialDelay:    time.Second,
		RedeliveryMaxDelay:        time.Minute,
		RedeliveryMultiplier:      2,
		RedeliveryMaxAttempts:     5,
		MaxPendingPerSub:          100,
		PendingOverflowPolicy:     "drop_oldest",
		DeadLetterRetention:       time.Hour,
		DeadLetterTopicTemplate:   "cauce.dead_letter",
		SweepInterval:             time.Minute,
		MaxAuthFails:              3,
		LongPollTimeout:           300 * time.Millisecond,
	}
}

func newPollingServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	mux := http.NewServeMux()
	NewPolling(h, 300*time.Millisecond, zerolog.Nop()).Register(mux, "/cauce/v1")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func httpHello(t *testing.T, base, clientID, clientType string) *protocol.HelloResponse {
	t.Helper()
	resp := postJSON(t, base+"/cauce/v1/hello", protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        clientID,
		ClientType:      clientType,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeJSON[protocol.HelloResponse](t, resp)
	return &out
}

func rpc(t *testing.T, base, sessionID, method string, params any) *protocol.Message {
	t.Helper()
	req, err := protocol.NewRequest(protocol.NewMessageID(), method, params)
	require.NoError(t, err)
	data, err := req.Encode()
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, base+"/cauce/v1/rpc", bytes.NewReader(data))
	require.NoError(t, err)
	if sessionID != "" {
		httpReq.Header.Set("X-Cauce-Session", sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeJSON[protocol.Message](t, resp)
	return &out
}

func pollSignal(topic string) *protocol.Signal {
	return &protocol.Signal{
		Version:   protocol.ProtocolVersion,
		Timestamp: time.Now(),
		Topic:     topic,
		Source:    protocol.Source{Type: "email", AdapterID: "adapter-1"},
		Payload: protocol.Payload{
			Raw:         json.RawMessage(`{"n":1}`),
			ContentType: "application/json",
			SizeBytes:   7,
		},
	}
}

func TestPollingHelloPollAck(t *testing.T) {
	_, srv := newPollingServer(t)

	sub := httpHello(t, srv.URL, "agent-1", protocol.ClientTypeAgent)

	// subscribe over the rpc endpoint
	msg := rpc(t, srv.URL, sub.SessionID, protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: []string{"signal.email.*"},
	})
	require.Nil(t, msg.Error)
	var subResp protocol.SubscribeResponse
	require.NoError(t, json.Unmarshal(msg.Result, &subResp))
	assert.Equal(t, "active", subResp.Status)

	// publisher publishes over its own session
	pub := httpHello(t, srv.URL, "adapter-1", protocol.ClientTypeAdapter)
	msg = rpc(t, srv.URL, pub.SessionID, protocol.MethodPublish, protocol.PublishParams{
		Topic:  "signal.email.received",
		Signal: pollSignal("signal.email.received"),
	})
	require.Nil(t, msg.Error)
	var pubResp protocol.PublishResponse
	require.NoError(t, json.Unmarshal(msg.Result, &pubResp))
	assert.Equal(t, 1, pubResp.Recipients)

	// poll yields the delivery
	resp := postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: sub.SessionID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decodeJSON[protocol.PollResponse](t, resp)
	require.Len(t, poll.Deliveries, 1)
	assert.False(t, poll.More)
	assert.Equal(t, subResp.SubscriptionID, poll.Deliveries[0].SubscriptionID)
	assert.Equal(t, pubResp.SignalID, poll.Deliveries[0].Delivery.Signal.ID)

	// ack clears it
	resp = postJSON(t, srv.URL+"/cauce/v1/ack", protocol.HTTPAckParams{
		Session:        sub.SessionID,
		SubscriptionID: subResp.SubscriptionID,
		SignalIDs:      []string{pubResp.SignalID},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeJSON[protocol.AckResponse](t, resp)
	assert.Equal(t, []string{pubResp.SignalID}, ack.Acknowledged)

	resp = postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: sub.SessionID}, nil)
	poll = decodeJSON[protocol.PollResponse](t, resp)
	assert.Empty(t, poll.Deliveries)
}

func TestPollingMaxAndMore(t *testing.T) {
	h, srv := newPollingServer(t)

	sub := httpHello(t, srv.URL, "agent-1", protocol.ClientTypeAgent)
	msg := rpc(t, srv.URL, sub.SessionID, protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: []string{"signal.**"},
	})
	require.Nil(t, msg.Error)

	pub := httpHello(t, srv.URL, "adapter-1", protocol.ClientTypeAdapter)
	for i := 0; i < 3; i++ {
		msg = rpc(t, srv.URL, pub.SessionID, protocol.MethodPublish, protocol.PublishParams{
			Topic:  "signal.email.received",
			Signal: pollSignal("signal.email.received"),
		})
		require.Nil(t, msg.Error)
	}
	assert.Equal(t, 3, h.Tracker().PendingCount())

	resp := postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: sub.SessionID, Max: 2}, nil)
	poll := decodeJSON[protocol.PollResponse](t, resp)
	assert.Len(t, poll.Deliveries, 2)
	assert.True(t, poll.More)
}

func TestPollingUnknownSession(t *testing.T) {
	_, srv := newPollingServer(t)
	resp := postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: "sess-nope"}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLongPollTimesOutEmpty(t *testing.T) {
	_, srv := newPollingServer(t)
	sub := httpHello(t, srv.URL, "agent-1", protocol.ClientTypeAgent)

	start := time.Now()
	resp := postJSON(t, srv.URL+"/cauce/v1/long-poll", protocol.PollParams{Session: sub.SessionID}, nil)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decodeJSON[protocol.PollResponse](t, resp)
	assert.Empty(t, poll.Deliveries)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestRPCWithoutSessionAllowsHelloOnly(t *testing.T) {
	_, srv := newPollingServer(t)

	msg := rpc(t, srv.URL, "", protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: []string{"signal.**"},
	})
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.CodeSessionNotFound, msg.Error.Code)

	msg = rpc(t, srv.URL, "", protocol.MethodHello, protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "client-x",
		ClientType:      protocol.ClientTypeAgent,
	})
	require.Nil(t, msg.Error)
}

func TestGoodbyeEndpoint(t *testing.T) {
	h, srv := newPollingServer(t)
	sub := httpHello(t, srv.URL, "agent-1", protocol.ClientTypeAgent)

	resp := postJSON(t, srv.URL+"/cauce/v1/goodbye", map[string]string{"session": sub.SessionID}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.Sessions().IsValid(sub.SessionID))
}

func TestPollingSinceCursor(t *testing.T) {
	_, srv := newPollingServer(t)

	sub := httpHello(t, srv.URL, "agent-1", protocol.ClientTypeAgent)
	msg := rpc(t, srv.URL, sub.SessionID, protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: []string{"signal.**"},
	})
	require.Nil(t, msg.Error)

	pub := httpHello(t, srv.URL, "adapter-1", protocol.ClientTypeAdapter)
	for i := 0; i < 3; i++ {
		msg = rpc(t, srv.URL, pub.SessionID, protocol.MethodPublish, protocol.PublishParams{
			Topic:  "signal.email.received",
			Signal: pollSignal("signal.email.received"),
		})
		require.Nil(t, msg.Error)
		time.Sleep(2 * time.Millisecond) // distinct first-attempt times
	}

	resp := postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: sub.SessionID, Max: 2}, nil)
	first := decodeJSON[protocol.PollResponse](t, resp)
	require.Len(t, first.Deliveries, 2)
	assert.True(t, first.More)
	require.NotEmpty(t, first.Cursor)

	seen := map[string]bool{}
	for _, d := range first.Deliveries {
		seen[d.Delivery.Signal.ID] = true
	}

	// the cursor resumes past the first batch
	resp = postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{
		Session: sub.SessionID,
		Since:   first.Cursor,
	}, nil)
	second := decodeJSON[protocol.PollResponse](t, resp)
	require.Len(t, second.Deliveries, 1)
	assert.False(t, second.More)
	assert.False(t, seen[second.Deliveries[0].Delivery.Signal.ID])

	// without the cursor every unacked delivery reappears
	resp = postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{Session: sub.SessionID}, nil)
	all := decodeJSON[protocol.PollResponse](t, resp)
	assert.Len(t, all.Deliveries, 3)

	resp = postJSON(t, srv.URL+"/cauce/v1/poll", protocol.PollParams{
		Session: sub.SessionID,
		Since:   "not-a-timestamp",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
