// Package tenant resolves the per-tenant context an event or request is
// processed in: a connection to the tenant's catalog database and the service
// credential used to open it.
package tenant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bleepstore/tenantstore/internal/catalog"
)

// Ref identifies a tenant and the host its catalog lives on.
type Ref struct {
	ID   string `json:"ref"`
	Host string `json:"host"`
}

// Context is a resolved tenant context. It is bound to one event or one
// request and is never cached.
type Context struct {
	Ref        Ref
	DB         catalog.DB
	Credential Credential
}

// Close releases the catalog handle.
func (c *Context) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Resolver builds tenant contexts from a credential resolver and a
// connection resolver.
type Resolver struct {
	credentials CredentialResolver
	connections ConnectionResolver
}

// NewResolver creates a Resolver.
func NewResolver(credentials CredentialResolver, connections ConnectionResolver) *Resolver {
	return &Resolver{credentials: credentials, connections: connections}
}

// Resolve obtains the service credential of the tenant and connects to its
// catalog with it. The connection is internally initiated, so the host
// allowlist is bypassed.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (*Context, error) {
	cred, err := r.credentials.ServiceCredential(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving service credential for tenant %s: %w", ref.ID, err)
	}

	db, err := r.connections.Connect(ctx, ConnectionOptions{
		User:             cred,
		SuperUser:        cred,
		Host:             ref.Host,
		TenantID:         ref.ID,
		DisableHostCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog for tenant %s: %w", ref.ID, err)
	}

	slog.Debug("Tenant context resolved", "tenant_id", ref.ID, "tenant_host", ref.Host)
	return &Context{Ref: ref, DB: db, Credential: cred}, nil
}
