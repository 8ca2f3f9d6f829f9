// Package catalog provides access to a tenant's object catalog: the rows that
// record which version of each object is current. One catalog lives in each
// tenant's own database.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	storerr "github.com/bleepstore/tenantstore/internal/errors"
)

const (
	// timeFormat is the ISO 8601 format used for all stored timestamps.
	timeFormat = "2006-01-02T15:04:05.000Z"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Object is one catalog row.
type Object struct {
	BucketID  string
	Name      string
	Version   string
	Owner     string
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB is the catalog handle a storage facade works against.
type DB interface {
	// FindObject returns the current row of an object.
	FindObject(ctx context.Context, bucketID, name string) (*Object, error)
	// UpsertObject inserts a row or replaces the version and metadata of an
	// existing one.
	UpsertObject(ctx context.Context, obj *Object) error
	// DeleteObject removes a row and returns it.
	DeleteObject(ctx context.Context, bucketID, name string) (*Object, error)
	// DeleteObjects removes the named rows and returns those that existed.
	DeleteObjects(ctx context.Context, bucketID string, names []string) ([]Object, error)
	// Ping verifies the connection.
	Ping(ctx context.Context) error
	// Close releases the handle.
	Close() error
}

// SQLCatalog implements DB over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type SQLCatalog struct {
	db     *sql.DB
	driver string
	owned  bool
}

// Open opens a catalog database, creates the schema and returns a catalog
// that closes the pool on Close.
func Open(ctx context.Context, driver, dsn string) (*SQLCatalog, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s catalog: %w", driver, err)
	}
	c := &SQLCatalog{db: db, driver: driver, owned: true}
	if err := c.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps a pool owned by the caller. Close on the returned catalog leaves
// the pool open.
func New(db *sql.DB, driver string) *SQLCatalog {
	return &SQLCatalog{db: db, driver: driver}
}

// EnsureSchema creates the objects table. It is safe to call multiple times.
func (c *SQLCatalog) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			bucket_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			version    TEXT NOT NULL,
			owner      TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (bucket_id, name)
		)`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// rebind rewrites "?" placeholders as "$1", "$2", ... for Postgres.
func (c *SQLCatalog) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectColumns = "bucket_id, name, version, owner, metadata, created_at, updated_at"

// FindObject returns the current row of an object.
func (c *SQLCatalog) FindObject(ctx context.Context, bucketID, name string) (*Object, error) {
	row := c.db.QueryRowContext(ctx,
		c.rebind("SELECT "+selectColumns+" FROM objects WHERE bucket_id = ? AND name = ?"),
		bucketID, name)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storerr.NotFound("object")
	}
	if err != nil {
		return nil, fmt.Errorf("finding object %s/%s: %w", bucketID, name, err)
	}
	return obj, nil
}

// UpsertObject inserts or replaces a row. CreatedAt is kept from the
// existing row on conflict.
func (c *SQLCatalog) UpsertObject(ctx context.Context, obj *Object) error {
	now := time.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = now
	}
	metadata := string(obj.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	_, err := c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO objects (bucket_id, name, version, owner, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, name) DO UPDATE SET
			version    = excluded.version,
			owner      = excluded.owner,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`),
		obj.BucketID, obj.Name, obj.Version, obj.Owner, metadata,
		obj.CreatedAt.UTC().Format(timeFormat), obj.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upserting object %s/%s: %w", obj.BucketID, obj.Name, err)
	}
	return nil
}

// InsertObject inserts a row unless one already exists for the object. It
// reports whether the row was inserted.
func (c *SQLCatalog) InsertObject(ctx context.Context, obj *Object) (bool, error) {
	now := time.Now().UTC()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = obj.CreatedAt
	}
	metadata := string(obj.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	res, err := c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO objects (bucket_id, name, version, owner, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, name) DO NOTHING`),
		obj.BucketID, obj.Name, obj.Version, obj.Owner, metadata,
		obj.CreatedAt.UTC().Format(timeFormat), obj.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return false, fmt.Errorf("inserting object %s/%s: %w", obj.BucketID, obj.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting object %s/%s: %w", obj.BucketID, obj.Name, err)
	}
	return n > 0, nil
}

// ListObjects returns every row ordered by bucket and name. An empty
// bucketID lists all buckets.
func (c *SQLCatalog) ListObjects(ctx context.Context, bucketID string) ([]Object, error) {
	query := "SELECT " + selectColumns + " FROM objects"
	var args []any
	if bucketID != "" {
		query += " WHERE bucket_id = ?"
		args = append(args, bucketID)
	}
	query += " ORDER BY bucket_id, name"

	rows, err := c.db.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		out = append(out, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	return out, nil
}

// DeleteObject removes a row and returns it.
func (c *SQLCatalog) DeleteObject(ctx context.Context, bucketID, name string) (*Object, error) {
	deleted, err := c.DeleteObjects(ctx, bucketID, []string{name})
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, storerr.NotFound("object")
	}
	return &deleted[0], nil
}

// DeleteObjects removes the named rows in one transaction.
func (c *SQLCatalog) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]Object, error) {
	if len(names) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	args := make([]any, 0, len(names)+1)
	args = append(args, bucketID)
	for _, n := range names {
		args = append(args, n)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		c.rebind("SELECT "+selectColumns+" FROM objects WHERE bucket_id = ? AND name IN ("+placeholders+") ORDER BY name"),
		args...)
	if err != nil {
		return nil, fmt.Errorf("selecting objects to delete: %w", err)
	}
	var deleted []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		deleted = append(deleted, *obj)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		c.rebind("DELETE FROM objects WHERE bucket_id = ? AND name IN ("+placeholders+")"),
		args...); err != nil {
		return nil, fmt.Errorf("deleting objects: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	return deleted, nil
}

// Ping verifies the connection.
func (c *SQLCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the pool if the catalog owns it.
func (c *SQLCatalog) Close() error {
	if c.owned {
		return c.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(s scanner) (*Object, error) {
	var (
		obj                  Object
		metadata             string
		createdAt, updatedAt string
	)
	if err := s.Scan(&obj.BucketID, &obj.Name, &obj.Version, &obj.Owner, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	obj.Metadata = json.RawMessage(metadata)

	var err error
	if obj.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if obj.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &obj, nil
}

// Ensure SQLCatalog implements DB at compile time.
var _ DB = (*SQLCatalog)(nil)
