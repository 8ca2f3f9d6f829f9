package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bleepstore/tenantstore/internal/logging"
	"github.com/bleepstore/tenantstore/internal/metrics"
	"github.com/bleepstore/tenantstore/internal/objects"
	"github.com/bleepstore/tenantstore/internal/storage"
	"github.com/bleepstore/tenantstore/internal/tenant"
)

// ContextResolver resolves tenant contexts.
type ContextResolver interface {
	Resolve(ctx context.Context, ref tenant.Ref) (*tenant.Context, error)
}

// BackendFactory builds the storage backend used for worker-originated calls.
// Implementations reuse one process-wide connection pool.
type BackendFactory func(ctx context.Context) (storage.Backend, error)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Resolver ContextResolver
	Backends BackendFactory
	Sender   Sender
	Registry *Registry
	// Region is stamped on every webhook envelope.
	Region string
	// Bucket is the physical storage bucket.
	Bucket string
	Logger *slog.Logger
}

// Dispatcher runs events against their tenant's storage and sends webhooks.
type Dispatcher struct {
	resolver ContextResolver
	backends BackendFactory
	sender   Sender
	registry *Registry
	region   string
	bucket   string
	logger   *slog.Logger

	now func() time.Time

	// mu guards closed and orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		resolver: opts.Resolver,
		backends: opts.Backends,
		sender:   opts.Sender,
		registry: opts.Registry,
		region:   opts.Region,
		bucket:   opts.Bucket,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// CreateStorage resolves the tenant context of ref and returns a storage
// facade over a freshly built backend and the tenant's catalog. The caller
// must Close the store.
func (d *Dispatcher) CreateStorage(ctx context.Context, ref tenant.Ref) (*objects.Store, error) {
	tc, err := d.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	backend, err := d.backends(ctx)
	if err != nil {
		tc.Close()
		return nil, fmt.Errorf("creating storage backend: %w", err)
	}
	return objects.New(ref.ID, backend, tc.DB, d.bucket), nil
}

// Dispatch runs the handler of ev against the tenant's storage. On success
// the webhook is sent in the background; its outcome never affects the
// result of Dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.EventsDispatchedTotal.WithLabelValues(ev.Type, status).Inc()
	}()

	h, ok := d.registry.Lookup(ev.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}

	store, err := d.CreateStorage(ctx, ev.Tenant)
	if err != nil {
		return err
	}
	err = h.Handle(ctx, ev, store)
	if cerr := store.Close(); cerr != nil {
		logging.WithTenant(d.logger, ev.Tenant.ID, ev.Tenant.Host).Warn("Failed to close tenant catalog", "error", cerr)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.SendWebhook(context.WithoutCancel(ctx), ev)
		return nil
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.SendWebhook(context.WithoutCancel(ctx), ev)
	}()
	return nil
}

// Wait blocks until every background webhook started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops starting background webhooks and waits for the running ones.
// A Dispatch that completes after Close sends its webhook before returning.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// SendWebhook submits the webhook of ev. Every failure, including a panic in
// the sender, is logged and swallowed.
func (d *Dispatcher) SendWebhook(ctx context.Context, ev *Event) {
	if d.sender == nil {
		return
	}

	env := &WebhookEnvelope{
		Event: EnvelopeEvent{
			Type:      ev.Type,
			Region:    d.region,
			Version:   ev.Version,
			ApplyTime: d.now().UnixMilli(),
			Payload:   ev.Payload,
		},
		Tenant: ev.Tenant,
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook sender panic: %v", r)
		}
		status := "success"
		if err != nil {
			status = "error"
			logging.WithTenant(d.logger, ev.Tenant.ID, ev.Tenant.Host).Error("error sending webhook: "+ev.Type,
				"error", err,
				slog.Group("event",
					"type", ev.Type,
					"$version", ev.Version,
					"applyTime", env.Event.ApplyTime,
					"payload", string(ev.Payload),
				),
			)
		}
		metrics.WebhooksTotal.WithLabelValues(ev.Type, status).Inc()
	}()

	err = d.sender.Send(ctx, env)
}
