// Package queue feeds storage events from a JetStream stream into the
// dispatcher. Redelivery of failed events is left to the stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/events"
	"github.com/bleepstore/tenantstore/internal/logging"
)

// Dispatcher runs one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *events.Event) error
}

// Options configures a Consumer.
type Options struct {
	Stream string
	// Subject is the stream subject filter, e.g. "storage.events.>".
	Subject string
	Durable string
	// MaxDeliver bounds redeliveries of a failing event. Zero means unlimited.
	MaxDeliver int
	// AckWait is how long a dispatch may take before redelivery.
	AckWait time.Duration
}

// Message is the subset of jetstream.Msg the consumer needs.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Outcome is how a message is settled after dispatch.
type Outcome int

const (
	Ack Outcome = iota
	Nak
	Term
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// Settle maps a dispatch error to an outcome. Events that can never succeed
// are terminated: unknown types, bad payloads and normalized client errors
// (4xx other than request timeout and throttling). Cancellations, server
// errors and anything else are redelivered.
func Settle(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, events.ErrUnknownEvent), errors.Is(err, events.ErrInvalidPayload):
		return Term
	case permanent(err):
		return Term
	default:
		return Nak
	}
}

func permanent(err error) bool {
	switch storerr.KindOf(err) {
	case storerr.KindNotFound, storerr.KindInvalidUploadID:
		return true
	case storerr.KindBackend:
		status := storerr.StatusOf(err)
		if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
			return false
		}
		return status >= 400 && status < 500
	}
	return false
}

// Consumer consumes events from a durable JetStream consumer.
type Consumer struct {
	js         jetstream.JetStream
	conn       *nats.Conn
	opts       Options
	dispatcher Dispatcher
	logger     *slog.Logger
	cc         jetstream.ConsumeContext

	// mu guards stopped and orders inflight.Add against Stop.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// Dial connects to url and returns a consumer owning the connection.
func Dial(url string, opts Options, dispatcher Dispatcher, logger *slog.Logger) (*Consumer, error) {
	nc, err := nats.Connect(url, nats.Name("tenantstore-worker"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	c := New(js, opts, dispatcher, logger)
	c.conn = nc
	return c, nil
}

// New creates a consumer on an existing JetStream context.
func New(js jetstream.JetStream, opts Options, dispatcher Dispatcher, logger *slog.Logger) *Consumer {
	if opts.AckWait <= 0 {
		opts.AckWait = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{js: js, opts: opts, dispatcher: dispatcher, logger: logger}
}

// Start ensures the stream and durable consumer exist and begins consuming.
// Messages are dispatched with ctx.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.Stream,
		Subjects: []string{c.opts.Subject},
	}); err != nil {
		return fmt.Errorf("creating stream %s: %w", c.opts.Stream, err)
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.Stream, jetstream.ConsumerConfig{
		Durable:       c.opts.Durable,
		FilterSubject: c.opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.opts.AckWait,
		MaxDeliver:    c.opts.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", c.opts.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.opts.Durable, err)
	}
	c.cc = cc
	c.logger.Info("Queue consumer started", "stream", c.opts.Stream, "durable", c.opts.Durable)
	return nil
}

// Handle decodes and dispatches one message, then settles it. Messages
// delivered after Stop are naked for redelivery without being dispatched.
func (c *Consumer) Handle(ctx context.Context, msg Message) Outcome {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.settle(msg, Nak)
		return Nak
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	var ev events.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.logger.Error("Discarding undecodable event", "error", err)
		c.settle(msg, Term)
		return Term
	}

	err := c.dispatcher.Dispatch(ctx, &ev)
	outcome := Settle(err)
	if err != nil {
		logging.WithTenant(c.logger, ev.Tenant.ID, ev.Tenant.Host).Warn("Event dispatch failed",
			"type", ev.Type, "outcome", outcome.String(), "error", err)
	}
	c.settle(msg, outcome)
	return outcome
}

func (c *Consumer) settle(msg Message, o Outcome) {
	var err error
	switch o {
	case Ack:
		err = msg.Ack()
	case Nak:
		err = msg.Nak()
	case Term:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("Failed to settle message", "outcome", o.String(), "error", err)
	}
}

// Stop stops consuming, waits for in-flight dispatches until ctx is done and
// drains the owned connection. Once Stop returns without error no dispatch
// started by this consumer is still running.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	if c.cc != nil {
		c.cc.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for in-flight events: %w", ctx.Err())
	}

	if c.conn != nil {
		if derr := c.conn.Drain(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// Producer enqueues events on the stream.
type Producer struct {
	js     jetstream.JetStream
	prefix string
}

// NewProducer creates a producer publishing under the subject filter of opts.
func NewProducer(js jetstream.JetStream, opts Options) *Producer {
	prefix := strings.TrimSuffix(strings.TrimSuffix(opts.Subject, ">"), ".")
	return &Producer{js: js, prefix: prefix}
}

// Subject returns the subject ev is published on.
func (p *Producer) Subject(ev *events.Event) string {
	return p.prefix + "." + ev.Tenant.ID
}

// Enqueue publishes ev.
func (p *Producer) Enqueue(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.Subject(ev), data); err != nil {
		return fmt.Errorf("enqueueing %s: %w", ev.Type, err)
	}
	return nil
}
