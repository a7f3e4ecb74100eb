package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/hub"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// wsTestConn wires the pumps to one end of a net.Pipe so the frame loop can
// be exercised without an HTTP upgrade.
func startWSConn(t *testing.T, h *hub.Hub) net.Conn {
	t.Helper()
	cli, srv := net.Pipe()
	t.Cleanup(func() { cli.Close() })

	tr := NewWebSocket(h, zerolog.Nop())
	client := newWSClient(srv)
	sender := &wsSender{client: client}
	protoConn := h.NewConn("websocket", auth.Credentials{}, sender)

	go tr.writePump(client)
	go tr.readPump(context.Background(), client, protoConn)
	return cli
}

func wsCall(t *testing.T, cli net.Conn, method string, params any) *protocol.Message {
	t.Helper()
	req, err := protocol.NewRequest(protocol.NewMessageID(), method, params)
	require.NoError(t, err)
	data, err := req.Encode()
	require.NoError(t, err)

	require.NoError(t, cli.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientMessage(cli, ws.OpText, data))

	frame := wsRead(t, cli)
	return frame
}

// wsRead reads server frames until a text frame arrives.
func wsRead(t *testing.T, cli net.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		data, op, err := wsutil.ReadServerData(cli)
		require.NoError(t, err)
		if op != ws.OpText {
			continue
		}
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	}
}

func TestWebSocketHelloSubscribeDeliver(t *testing.T) {
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	cli := startWSConn(t, h)

	// hello
	resp := wsCall(t, cli, protocol.MethodHello, protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "agent-1",
		ClientType:      protocol.ClientTypeAgent,
	})
	require.Nil(t, resp.Error)
	var helloResp protocol.HelloResponse
	require.NoError(t, json.Unmarshal(resp.Result, &helloResp))

	// subscribe
	resp = wsCall(t, cli, protocol.MethodSubscribe, protocol.SubscribeParams{
		Patterns: []string{"signal.email.*"},
	})
	require.Nil(t, resp.Error)
	var subResp protocol.SubscribeResponse
	require.NoError(t, json.Unmarshal(resp.Result, &subResp))

	// publish through a separate session; the delivery must arrive as a
	// cauce.signal notification on the socket
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

	note := wsRead(t, cli)
	assert.Equal(t, protocol.MethodSignal, note.Method)
	assert.Nil(t, note.ID)

	var delivered protocol.SignalDelivery
	require.NoError(t, json.Unmarshal(note.Params, &delivered))
	assert.Equal(t, "signal.email.received", delivered.Topic)
	assert.Equal(t, pubResp.SignalID, delivered.Signal.ID)
}

func TestWebSocketGoodbyeClosesConnection(t *testing.T) {
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	cli := startWSConn(t, h)

	resp := wsCall(t, cli, protocol.MethodHello, protocol.HelloParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientID:        "agent-1",
		ClientType:      protocol.ClientTypeAgent,
	})
	require.Nil(t, resp.Error)

	resp = wsCall(t, cli, protocol.MethodGoodbye, struct{}{})
	require.Nil(t, resp.Error)

	// the server closes after flushing the goodbye response
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := wsutil.ReadServerData(cli); err != nil {
			return
		}
	}
	t.Fatal("connection stayed open after goodbye")
}

func TestWebSocketParseError(t *testing.T) {
	h := hub.New(pollingConfig(), nil, zerolog.Nop())
	cli := startWSConn(t, h)

	require.NoError(t, cli.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientMessage(cli, ws.OpText, []byte(`{nope`)))

	msg := wsRead(t, cli)
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.CodeParseError, msg.Error.Code)
}
