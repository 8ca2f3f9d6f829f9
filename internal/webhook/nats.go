package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bleepstore/tenantstore/internal/events"
)

// Publisher is the subset of jetstream.JetStream used by NATSSender.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSender publishes envelopes to JetStream on "<subject>.<tenant id>".
type NATSSender struct {
	js      Publisher
	subject string
	conn    *nats.Conn
}

var _ events.Sender = (*NATSSender)(nil)

// DialNATS connects to url and returns a sender that owns the connection.
func DialNATS(url, subject string) (*NATSSender, error) {
	nc, err := nats.Connect(url, nats.Name("tenantstore-webhooks"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	s := NewNATSSender(js, subject)
	s.conn = nc
	return s, nil
}

// NewNATSSender creates a sender on an existing JetStream context.
func NewNATSSender(js Publisher, subject string) *NATSSender {
	return &NATSSender{js: js, subject: subject}
}

// Subject returns the subject an envelope is published on.
func (s *NATSSender) Subject(env *events.WebhookEnvelope) string {
	return s.subject + "." + env.Tenant.ID
}

// Send publishes env. The message id deduplicates redeliveries of the
// same event within the stream's duplicate window.
func (s *NATSSender) Send(ctx context.Context, env *events.WebhookEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding webhook envelope: %w", err)
	}
	msgID := fmt.Sprintf("%s:%s:%d", env.Tenant.ID, env.Event.Type, env.Event.ApplyTime)
	if _, err := s.js.Publish(ctx, s.Subject(env), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publishing webhook %s: %w", env.Event.Type, err)
	}
	return nil
}

// Close drains the owned connection, if any.
func (s *NATSSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
