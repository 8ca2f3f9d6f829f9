package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bleepstore/tenantstore/internal/catalog"
)

// ErrHostNotAllowed is returned when a tenant host is not in the allowlist.
var ErrHostNotAllowed = errors.New("tenant host not allowed")

// ConnectionOptions describes the catalog connection to open.
type ConnectionOptions struct {
	User             Credential
	SuperUser        Credential
	Host             string
	TenantID         string
	DisableHostCheck bool
}

// ConnectionResolver returns a catalog handle for a tenant.
type ConnectionResolver interface {
	Connect(ctx context.Context, opts ConnectionOptions) (catalog.DB, error)
}

// SQLConnectionOptions configures an SQLConnectionResolver.
type SQLConnectionOptions struct {
	// Driver is the database/sql driver name.
	Driver string
	// DSNTemplate is expanded with "{host}", "{tenant}" and "{role}".
	DSNTemplate string
	// AllowedHosts restricts hosts unless a connection disables the check.
	// Empty allows every host.
	AllowedHosts    []string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLConnectionResolver opens one database/sql pool per distinct DSN and
// hands out catalog handles borrowing it. Pools live until Close.
type SQLConnectionResolver struct {
	opts SQLConnectionOptions

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewSQLConnectionResolver creates a resolver.
func NewSQLConnectionResolver(opts SQLConnectionOptions) *SQLConnectionResolver {
	return &SQLConnectionResolver{
		opts:  opts,
		pools: make(map[string]*sql.DB),
	}
}

// Connect returns a catalog handle for the tenant. The handle's Close leaves
// the shared pool open.
func (r *SQLConnectionResolver) Connect(ctx context.Context, opts ConnectionOptions) (catalog.DB, error) {
	if !opts.DisableHostCheck && len(r.opts.AllowedHosts) > 0 && !slices.Contains(r.opts.AllowedHosts, opts.Host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, opts.Host)
	}

	role := opts.SuperUser.Role
	if role == "" {
		role = opts.User.Role
	}
	dsn := strings.NewReplacer(
		"{host}", opts.Host,
		"{tenant}", opts.TenantID,
		"{role}", role,
	).Replace(r.opts.DSNTemplate)

	db, err := r.pool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return catalog.New(db, r.opts.Driver), nil
}

// pool returns the pool for dsn, opening it on first use. The lock is held
// only for map access so a slow host never blocks other tenants.
func (r *SQLConnectionResolver) pool(ctx context.Context, dsn string) (*sql.DB, error) {
	r.mu.Lock()
	db, ok := r.pools[dsn]
	r.mu.Unlock()
	if ok {
		return db, nil
	}

	db, err := r.open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.pools[dsn]; ok {
		r.mu.Unlock()
		db.Close()
		return existing, nil
	}
	r.pools[dsn] = db
	n := len(r.pools)
	r.mu.Unlock()

	slog.Info("Catalog pool opened", "driver", r.opts.Driver, "pools", n)
	return db, nil
}

func (r *SQLConnectionResolver) open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(r.opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if r.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(r.opts.MaxOpenConns)
	}
	if r.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(r.opts.MaxIdleConns)
	}
	if r.opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(r.opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := catalog.New(db, r.opts.Driver).EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Len returns the number of open pools.
func (r *SQLConnectionResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close closes every pool.
func (r *SQLConnectionResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for dsn, db := range r.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.pools, dsn)
	}
	return errors.Join(errs...)
}
