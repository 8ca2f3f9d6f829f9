// Package serialization exports and imports a tenant catalog as JSON.
package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bleepstore/tenantstore/internal/catalog"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	timeFormat = "2006-01-02T15:04:05.000Z"
)

// Catalog is the catalog surface used by export and import.
type Catalog interface {
	ListObjects(ctx context.Context, bucketID string) ([]catalog.Object, error)
	InsertObject(ctx context.Context, obj *catalog.Object) (bool, error)
	UpsertObject(ctx context.Context, obj *catalog.Object) error
}

// Header describes an export document.
type Header struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Tenant     string `json:"tenant"`
	Source     string `json:"source"`
}

// Row is one exported catalog row. Metadata is expanded as a JSON object.
type Row struct {
	BucketID  string          `json:"bucket_id"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Owner     string          `json:"owner"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// Document is the export format.
type Document struct {
	Export  Header `json:"tenantstore_export"`
	Objects []Row  `json:"objects"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	// Buckets restricts the export. Empty exports every bucket.
	Buckets []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace overwrites existing rows instead of skipping them.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

// Export renders the catalog rows of tenantID as indented JSON.
func Export(ctx context.Context, cat Catalog, tenantID string, opts *ExportOptions) ([]byte, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	var objs []catalog.Object
	if len(opts.Buckets) == 0 {
		all, err := cat.ListObjects(ctx, "")
		if err != nil {
			return nil, err
		}
		objs = all
	}
	for _, bucket := range opts.Buckets {
		some, err := cat.ListObjects(ctx, bucket)
		if err != nil {
			return nil, err
		}
		objs = append(objs, some...)
	}

	doc := Document{
		Export: Header{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format(timeFormat),
			Tenant:     tenantID,
			Source:     "go/" + Version,
		},
		Objects: make([]Row, 0, len(objs)),
	}
	for _, o := range objs {
		md := o.Metadata
		if !json.Valid(md) {
			md = json.RawMessage(`{}`)
		}
		doc.Objects = append(doc.Objects, Row{
			BucketID:  o.BucketID,
			Name:      o.Name,
			Version:   o.Version,
			Owner:     o.Owner,
			Metadata:  md,
			CreatedAt: o.CreatedAt.UTC().Format(timeFormat),
			UpdatedAt: o.UpdatedAt.UTC().Format(timeFormat),
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Import loads an export document into cat. Rows that cannot be imported are
// skipped with a warning; the import itself only fails on an unreadable
// document or a catalog error.
func Import(ctx context.Context, cat Catalog, data []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", doc.Export.Version)
	}

	result := &ImportResult{}
	for i, row := range doc.Objects {
		if row.BucketID == "" || row.Name == "" || row.Version == "" {
			result.Skipped++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Skipped object %d: bucket_id, name and version are required", i))
			continue
		}

		obj := &catalog.Object{
			BucketID: row.BucketID,
			Name:     row.Name,
			Version:  row.Version,
			Owner:    row.Owner,
			Metadata: row.Metadata,
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, row.Metadata); err != nil {
			obj.Metadata = json.RawMessage(`{}`)
		} else {
			obj.Metadata = compact.Bytes()
		}
		obj.CreatedAt = parseTime(row.CreatedAt, "created_at", row, result)
		obj.UpdatedAt = parseTime(row.UpdatedAt, "updated_at", row, result)

		if opts.Replace {
			if err := cat.UpsertObject(ctx, obj); err != nil {
				return result, err
			}
			result.Imported++
			continue
		}

		inserted, err := cat.InsertObject(ctx, obj)
		if err != nil {
			return result, err
		}
		if inserted {
			result.Imported++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// parseTime returns the zero time, which the catalog replaces with the
// import time, for empty or malformed values.
func parseTime(value, field string, row Row, result *ImportResult) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Object %s/%s: invalid %s %q", row.BucketID, row.Name, field, value))
		return time.Time{}
	}
	return t.UTC()
}
