package natsbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

type fakePublisher struct {
	topics  []string
	signals []*protocol.Signal
	fail    error
}

func (f *fakePublisher) IngestSignal(topic string, signal *protocol.Signal) (int, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.topics = append(f.topics, topic)
	f.signals = append(f.signals, signal)
	return 1, nil
}

func testBridge(pub Publisher) *Bridge {
	return &Bridge{
		cfg: Config{Subject: "cauce.signals.>", SubjectTrim: "cauce.signals."},
		pub: pub,
		log: zerolog.Nop(),
	}
}

func TestDisabledWithoutURL(t *testing.T) {
	b, err := New(Config{}, &fakePublisher{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, b)
	b.Close() // nil-safe
}

func TestHandleWrapsOpaquePayload(t *testing.T) {
	pub := &fakePublisher{}
	b := testBridge(pub)

	b.handle(&nats.Msg{
		Subject: "cauce.signals.signal.email.received",
		Data:    []byte(`{"subject":"hi"}`),
	})

	require.Len(t, pub.signals, 1)
	sig := pub.signals[0]
	assert.Equal(t, "signal.email.received", pub.topics[0])
	assert.Equal(t, "signal.email.received", sig.Topic)
	assert.Equal(t, "nats-bridge", sig.Source.AdapterID)
	assert.Equal(t, "cauce.signals.signal.email.received", sig.Source.NativeID)
	assert.JSONEq(t, `{"subject":"hi"}`, string(sig.Payload.Raw))
}

func TestHandlePassesThroughEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	b := testBridge(pub)

	envelope := &protocol.Signal{
		ID:        "sig_1_aaaaaaaaaaaa",
		Version:   protocol.ProtocolVersion,
		Timestamp: time.Now(),
		Source:    protocol.Source{Type: "email", AdapterID: "adapter-7"},
		Topic:     "ignored.original.topic",
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	b.handle(&nats.Msg{Subject: "cauce.signals.signal.email.sent", Data: data})

	require.Len(t, pub.signals, 1)
	sig := pub.signals[0]
	assert.Equal(t, "sig_1_aaaaaaaaaaaa", sig.ID)
	assert.Equal(t, "adapter-7", sig.Source.AdapterID)
	// subject wins over whatever topic the envelope carried
	assert.Equal(t, "signal.email.sent", sig.Topic)
}

func TestHandleDropsInvalidSubject(t *testing.T) {
	pub := &fakePublisher{}
	b := testBridge(pub)

	b.handle(&nats.Msg{Subject: "cauce.signals.bad..topic", Data: []byte(`{}`)})
	assert.Empty(t, pub.signals)
}
