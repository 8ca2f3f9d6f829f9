package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/events"
	"github.com/bleepstore/tenantstore/internal/tenant"
)

type fakeMsg struct {
	data    []byte
	settled []string
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.settled = append(m.settled, "ack"); return nil }
func (m *fakeMsg) Nak() error   { m.settled = append(m.settled, "nak"); return nil }
func (m *fakeMsg) Term() error  { m.settled = append(m.settled, "term"); return nil }

type fakeDispatcher struct {
	got []*events.Event
	err error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev *events.Event) error {
	d.got = append(d.got, ev)
	return d.err
}

func encode(t *testing.T, ev *events.Event) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"success", nil, Ack},
		{"unknown type", fmt.Errorf("%w: X:Y", events.ErrUnknownEvent), Term},
		{"bad payload", fmt.Errorf("%w: bad", events.ErrInvalidPayload), Term},
		{"backend unavailable", storerr.Backend("SlowDown", 503, "slow down"), Nak},
		{"backend internal", storerr.FromError(errors.New("connection reset")), Nak},
		{"missing key", storerr.Backend("NoSuchKey", 404, "gone"), Term},
		{"wrapped missing key", fmt.Errorf("handling: %w", storerr.Backend("NoSuchKey", 404, "gone")), Term},
		{"not found", storerr.NotFound("object"), Term},
		{"malformed request", storerr.Backend("MalformedXML", 400, "bad"), Term},
		{"access denied", storerr.Backend("AccessDenied", 403, "denied"), Term},
		{"invalid upload id", storerr.InvalidUploadID(), Term},
		{"request timeout", storerr.Backend("RequestTimeout", 408, "slow client"), Nak},
		{"throttled", storerr.Backend("TooManyRequests", 429, "slow down"), Nak},
		{"cancelled storage call", storerr.FromError(context.Canceled), Nak},
		{"cancelled", context.Canceled, Nak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Settle(tt.err))
		})
	}
}

func TestHandleDispatchesDecodedEvent(t *testing.T) {
	ev, err := events.NewEvent(events.TypeObjectCreatedPut, "1", "us-east-1",
		events.ObjectPayload{BucketID: "b", Name: "k", Version: "v"}, tenant.Ref{ID: "t1", Host: "h"})
	require.NoError(t, err)

	d := &fakeDispatcher{}
	c := New(nil, Options{}, d, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	msg := &fakeMsg{data: encode(t, ev)}

	assert.Equal(t, Ack, c.Handle(context.Background(), msg))
	assert.Equal(t, []string{"ack"}, msg.settled)
	require.Len(t, d.got, 1)
	assert.Equal(t, ev.Type, d.got[0].Type)
	assert.Equal(t, ev.Tenant, d.got[0].Tenant)
	assert.JSONEq(t, string(ev.Payload), string(d.got[0].Payload))
}

func TestHandleSettlesFailures(t *testing.T) {
	ev := &events.Event{Type: events.TypeObjectAdminDelete, Tenant: tenant.Ref{ID: "t1"}}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	d := &fakeDispatcher{err: errors.New("catalog unavailable")}
	msg := &fakeMsg{data: encode(t, ev)}
	assert.Equal(t, Nak, New(nil, Options{}, d, logger).Handle(context.Background(), msg))
	assert.Equal(t, []string{"nak"}, msg.settled)
	assert.Contains(t, logs.String(), "tenant_id=t1")

	d = &fakeDispatcher{err: fmt.Errorf("%w: nope", events.ErrInvalidPayload)}
	msg = &fakeMsg{data: encode(t, ev)}
	assert.Equal(t, Term, New(nil, Options{}, d, logger).Handle(context.Background(), msg))
	assert.Equal(t, []string{"term"}, msg.settled)
}

func TestHandleTerminatesUndecodable(t *testing.T) {
	d := &fakeDispatcher{}
	c := New(nil, Options{}, d, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	msg := &fakeMsg{data: []byte("not json")}

	assert.Equal(t, Term, c.Handle(context.Background(), msg))
	assert.Equal(t, []string{"term"}, msg.settled)
	assert.Empty(t, d.got)
}

type fakeJetStream struct {
	jetstream.JetStream
	subject string
	data    []byte
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subject = subject
	f.data = payload
	return &jetstream.PubAck{Stream: "STORAGE_EVENTS", Sequence: 7}, nil
}

func TestProducerEnqueue(t *testing.T) {
	js := &fakeJetStream{}
	p := NewProducer(js, Options{Subject: "storage.events.>"})
	ev := &events.Event{Type: events.TypeObjectRemovedDelete, Version: "1", Tenant: tenant.Ref{ID: "t9"}, Payload: json.RawMessage(`{}`)}

	require.NoError(t, p.Enqueue(context.Background(), ev))
	assert.Equal(t, "storage.events.t9", js.subject)

	var got events.Event
	require.NoError(t, json.Unmarshal(js.data, &got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, "t9", got.Tenant.ID)
}

type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, ev *events.Event) error {
	close(d.started)
	<-d.release
	return nil
}

func TestStopWaitsForInFlightDispatch(t *testing.T) {
	d := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	c := New(nil, Options{}, d, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	ev := &events.Event{Type: events.TypeObjectRemovedDelete, Tenant: tenant.Ref{ID: "t1"}}

	inflight := &fakeMsg{data: encode(t, ev)}
	handled := make(chan Outcome, 1)
	go func() { handled <- c.Handle(context.Background(), inflight) }()
	<-d.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)

	// Deliveries that arrive after Stop are redelivered, not dispatched.
	late := &fakeMsg{data: encode(t, ev)}
	assert.Equal(t, Nak, c.Handle(context.Background(), late))
	assert.Equal(t, []string{"nak"}, late.settled)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a dispatch was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(d.release)
	require.NoError(t, <-stopped)
	assert.Equal(t, Ack, <-handled)
	assert.Equal(t, []string{"ack"}, inflight.settled)
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	stopped bool
}

func (f *fakeConsumeContext) Stop() { f.stopped = true }

type fakeConsumer struct {
	jetstream.Consumer
	cc *fakeConsumeContext
}

func (f *fakeConsumer) Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	return f.cc, nil
}

type recordingJetStream struct {
	jetstream.JetStream
	stream   jetstream.StreamConfig
	consumer jetstream.ConsumerConfig
	cc       *fakeConsumeContext
}

func (f *recordingJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.stream = cfg
	return nil, nil
}

func (f *recordingJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	f.consumer = cfg
	return &fakeConsumer{cc: f.cc}, nil
}

func TestStartBoundsRedelivery(t *testing.T) {
	js := &recordingJetStream{cc: &fakeConsumeContext{}}
	c := New(js, Options{
		Stream:     "STORAGE_EVENTS",
		Subject:    "storage.events.>",
		Durable:    "worker",
		MaxDeliver: 5,
		AckWait:    30 * time.Second,
	}, &fakeDispatcher{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"storage.events.>"}, js.stream.Subjects)
	assert.Equal(t, "worker", js.consumer.Durable)
	assert.Equal(t, jetstream.AckExplicitPolicy, js.consumer.AckPolicy)
	assert.Equal(t, 5, js.consumer.MaxDeliver)
	assert.Equal(t, 30*time.Second, js.consumer.AckWait)

	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, js.cc.stopped)
}
