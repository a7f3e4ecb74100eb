// Package natsbridge ingests signals from a NATS subject tree and publishes
// them onto hub topics, letting backend producers feed subscribers without
// speaking the client protocol.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cauce-dev/cauce-hub/internal/metrics"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// Publisher is the hub-side sink for ingested signals.
type Publisher interface {
	IngestSignal(topic string, signal *protocol.Signal) (recipients int, err error)
}

// Config selects the subject tree to consume. SubjectTrim is stripped from
// each subject before the remainder is used as the hub topic, with NATS dots
// mapping one-to-one onto topic segments.
type Config struct {
	URL         string
	Subject     string
	SubjectTrim string
}

// Bridge consumes one NATS subscription for the hub's lifetime.
type Bridge struct {
	cfg  Config
	pub  Publisher
	conn *nats.Conn
	sub  *nats.Subscription
	log  zerolog.Logger
}

// New connects and subscribes. An empty URL disables the bridge and returns
// nil without error.
func New(cfg Config, pub Publisher, log zerolog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	b := &Bridge{
		cfg: cfg,
		pub: pub,
		log: log.With().Str("component", "nats_bridge").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.log.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", cfg.Subject, err)
	}
	b.sub = sub
	b.log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS bridge started")
	return b, nil
}

// handle converts one NATS message into a hub publish. The payload is either
// a full signal envelope or an opaque body that gets wrapped.
func (b *Bridge) handle(msg *nats.Msg) {
	topic := b.topicFor(msg.Subject)
	if err := protocol.ValidateTopic(topic); err != nil {
		b.log.Warn().Str("subject", msg.Subject).Err(err).Msg("Subject maps to invalid topic, dropped")
		return
	}

	signal := &protocol.Signal{}
	if err := json.Unmarshal(msg.Data, signal); err != nil || signal.Source.AdapterID == "" {
		// not a signal envelope: wrap the raw payload
		signal = &protocol.Signal{
			Version:   protocol.ProtocolVersion,
			Timestamp: time.Now(),
			Source:    protocol.Source{Type: "nats", AdapterID: "nats-bridge", NativeID: msg.Subject},
			Topic:     topic,
			Payload: protocol.Payload{
				Raw:         json.RawMessage(msg.Data),
				ContentType: "application/json",
				SizeBytes:   int64(len(msg.Data)),
			},
		}
	}
	signal.Topic = topic

	recipients, err := b.pub.IngestSignal(topic, signal)
	if err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("Ingested signal rejected")
		return
	}
	metrics.NATSIngested.Inc()
	b.log.Debug().Str("topic", topic).Int("recipients", recipients).Msg("Signal ingested from NATS")
}

func (b *Bridge) topicFor(subject string) string {
	return strings.TrimPrefix(subject, b.cfg.SubjectTrim)
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.log.Info().Msg("NATS bridge stopped")
}
