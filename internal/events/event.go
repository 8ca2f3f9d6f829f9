// Package events defines storage events and their dispatch: each event runs
// its handler against the tenant's storage and then notifies the webhook
// sender in the background.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bleepstore/tenantstore/internal/tenant"
)

// Built-in event types.
const (
	TypeObjectCreatedPut                     = "ObjectCreated:Put"
	TypeObjectCreatedPost                    = "ObjectCreated:Post"
	TypeObjectCreatedCopy                    = "ObjectCreated:Copy"
	TypeObjectCreatedCompleteMultipartUpload = "ObjectCreated:CompleteMultipartUpload"
	TypeObjectRemovedDelete                  = "ObjectRemoved:Delete"
	TypeObjectRemovedMove                    = "ObjectRemoved:Move"
	TypeObjectAdminDelete                    = "ObjectAdmin:Delete"
)

// Event is a typed, versioned unit of deferred work bound to a tenant.
type Event struct {
	Version   string          `json:"$version"`
	Type      string          `json:"type"`
	Region    string          `json:"region"`
	ApplyTime int64           `json:"applyTime"`
	Payload   json.RawMessage `json:"payload"`
	Tenant    tenant.Ref      `json:"tenant"`
}

// NewEvent builds an event. The payload is marshaled to JSON.
func NewEvent(eventType, version, region string, payload any, ref tenant.Ref) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Version:   version,
		Type:      eventType,
		Region:    region,
		ApplyTime: time.Now().UnixMilli(),
		Payload:   raw,
		Tenant:    ref,
	}, nil
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EnvelopeEvent is the event part of a webhook envelope.
type EnvelopeEvent struct {
	Type      string          `json:"type"`
	Region    string          `json:"region"`
	Version   string          `json:"$version"`
	ApplyTime int64           `json:"applyTime"`
	Payload   json.RawMessage `json:"payload"`
}

// WebhookEnvelope is what a Sender delivers.
type WebhookEnvelope struct {
	Event  EnvelopeEvent `json:"event"`
	Tenant tenant.Ref    `json:"tenant"`
}

// Sender delivers webhook envelopes. Retry and backoff, if any, belong to
// the sender.
type Sender interface {
	Send(ctx context.Context, env *WebhookEnvelope) error
}

// ObjectPayload is the payload of object created and removed events.
type ObjectPayload struct {
	BucketID string `json:"bucketId"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
}

// AdminDeletePayload is the payload of ObjectAdmin:Delete.
type AdminDeletePayload struct {
	BucketID string   `json:"bucketId"`
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}
