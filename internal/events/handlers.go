package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bleepstore/tenantstore/internal/objects"
)

// ErrUnknownEvent is returned when no handler is registered for an event type.
var ErrUnknownEvent = errors.New("unknown event type")

// ErrInvalidPayload wraps payload decoding failures. Such events can never
// succeed and must not be retried.
var ErrInvalidPayload = errors.New("invalid event payload")

// Handler performs or verifies the storage side effect of an event.
type Handler interface {
	Handle(ctx context.Context, ev *Event, store *objects.Store) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *Event, store *objects.Store) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev *Event, store *objects.Store) error {
	return f(ctx, ev, store)
}

// Registry maps event types to handlers. A type registered as "Family:*"
// handles every type of that family without an exact registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// DefaultRegistry returns a registry with the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ObjectCreated:*", HandlerFunc(handleObjectCreated))
	r.Register("ObjectRemoved:*", HandlerFunc(handleObjectRemoved))
	r.Register(TypeObjectAdminDelete, HandlerFunc(handleAdminDelete))
	return r
}

// Register adds or replaces the handler of an event type.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup returns the handler of an event type.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[eventType]; ok {
		return h, true
	}
	if family, _, found := strings.Cut(eventType, ":"); found {
		h, ok := r.handlers[family+":*"]
		return h, ok
	}
	return nil, false
}

func decode(ev *Event, v any) error {
	if err := ev.DecodePayload(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
	}
	return nil
}

// handleObjectCreated verifies that the announced version exists.
func handleObjectCreated(ctx context.Context, ev *Event, store *objects.Store) error {
	var p ObjectPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.Version == "" {
		_, err := store.HeadObject(ctx, p.BucketID, p.Name)
		return err
	}
	_, err := store.HeadVersion(ctx, p.BucketID, p.Name, p.Version)
	return err
}

// handleObjectRemoved has no storage side effect; the removal already
// happened when the event was emitted.
func handleObjectRemoved(ctx context.Context, ev *Event, store *objects.Store) error {
	var p ObjectPayload
	return decode(ev, &p)
}

// handleAdminDelete removes object versions the catalog no longer references.
func handleAdminDelete(ctx context.Context, ev *Event, store *objects.Store) error {
	var p AdminDeletePayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	return store.AdminDelete(ctx, p.BucketID, p.Name, p.Versions)
}
