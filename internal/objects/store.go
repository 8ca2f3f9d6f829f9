// Package objects provides the storage facade: object operations that touch
// both the storage backend and the tenant's catalog.
package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bleepstore/tenantstore/internal/catalog"
	"github.com/bleepstore/tenantstore/internal/storage"
	"github.com/bleepstore/tenantstore/internal/uid"
)

// Metadata is the object metadata recorded in the catalog row.
type Metadata struct {
	ETag           string     `json:"eTag"`
	Size           int64      `json:"size"`
	Mimetype       string     `json:"mimetype"`
	CacheControl   string     `json:"cacheControl"`
	LastModified   *time.Time `json:"lastModified,omitempty"`
	ContentLength  int64      `json:"contentLength"`
	HTTPStatusCode int        `json:"httpStatusCode"`
}

func metadataFrom(md *storage.ObjectMetadata) Metadata {
	return Metadata{
		ETag:           md.ETag,
		Size:           md.Size,
		Mimetype:       md.ContentType,
		CacheControl:   md.CacheControl,
		LastModified:   md.LastModified,
		ContentLength:  md.ContentLength,
		HTTPStatusCode: md.HTTPStatusCode,
	}
}

// Object is a stored object as seen through the facade.
type Object struct {
	BucketID string
	Name     string
	Version  string
	Metadata Metadata
}

// Store composes a storage backend and one tenant's catalog handle. A Store
// is built for one operation or one event and exclusively owns both.
type Store struct {
	tenantID string
	bucket   string
	backend  storage.Backend
	db       catalog.DB
	logger   *slog.Logger
}

// New creates a Store. bucket is the physical bucket holding every tenant's
// objects.
func New(tenantID string, backend storage.Backend, db catalog.DB, bucket string) *Store {
	return &Store{
		tenantID: tenantID,
		bucket:   bucket,
		backend:  backend,
		db:       db,
		logger:   slog.Default().With("tenant_id", tenantID),
	}
}

// TenantID returns the tenant the store operates for.
func (s *Store) TenantID() string { return s.tenantID }

// Bucket returns the physical bucket.
func (s *Store) Bucket() string { return s.bucket }

// Backend returns the storage backend.
func (s *Store) Backend() storage.Backend { return s.backend }

// DB returns the catalog handle.
func (s *Store) DB() catalog.DB { return s.db }

// Close releases the catalog handle.
func (s *Store) Close() error { return s.db.Close() }

// Key returns the logical key of an object.
func (s *Store) Key(bucketID, name string) string {
	return storage.ObjectKey(s.tenantID, bucketID, name)
}

func (s *Store) record(ctx context.Context, bucketID, name, version, owner string, md Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding object metadata: %w", err)
	}
	return s.db.UpsertObject(ctx, &catalog.Object{
		BucketID: bucketID,
		Name:     name,
		Version:  version,
		Owner:    owner,
		Metadata: raw,
	})
}

// discard deletes an orphaned object version. The delete runs detached from
// ctx so that a cancelled request still cleans up.
func (s *Store) discard(ctx context.Context, key, version string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.backend.DeleteObject(ctx, s.bucket, key, version); err != nil {
		s.logger.Warn("Failed to delete orphaned object version", "key", key, "version", version, "error", err)
	}
}

// UploadObject stores body as a new version of the object and makes it the
// current version in the catalog.
func (s *Store) UploadObject(ctx context.Context, bucketID, name string, body io.Reader, contentType, cacheControl, owner string) (*Object, error) {
	version := uid.New()
	key := s.Key(bucketID, name)

	md, err := s.backend.UploadObject(ctx, s.bucket, key, version, body, contentType, cacheControl)
	if err != nil {
		return nil, err
	}

	meta := metadataFrom(md)
	if err := s.record(ctx, bucketID, name, version, owner, meta); err != nil {
		s.discard(ctx, key, version)
		return nil, err
	}

	s.logger.Debug("Object uploaded", "bucket_id", bucketID, "name", name, "version", version, "size", md.Size)
	return &Object{BucketID: bucketID, Name: name, Version: version, Metadata: meta}, nil
}

// current returns the catalog row of an object.
func (s *Store) current(ctx context.Context, bucketID, name string) (*catalog.Object, error) {
	return s.db.FindObject(ctx, bucketID, name)
}

// GetObject reads the current version of an object.
func (s *Store) GetObject(ctx context.Context, bucketID, name string, headers *storage.BrowserCacheHeaders) (*storage.ObjectResponse, error) {
	row, err := s.current(ctx, bucketID, name)
	if err != nil {
		return nil, err
	}
	return s.backend.GetObject(ctx, s.bucket, s.Key(bucketID, name), row.Version, headers)
}

// HeadObject returns the metadata of the current version of an object.
func (s *Store) HeadObject(ctx context.Context, bucketID, name string) (*storage.ObjectMetadata, error) {
	row, err := s.current(ctx, bucketID, name)
	if err != nil {
		return nil, err
	}
	return s.backend.HeadObject(ctx, s.bucket, s.Key(bucketID, name), row.Version)
}

// HeadVersion returns the metadata of a specific object version without
// consulting the catalog.
func (s *Store) HeadVersion(ctx context.Context, bucketID, name, version string) (*storage.ObjectMetadata, error) {
	return s.backend.HeadObject(ctx, s.bucket, s.Key(bucketID, name), version)
}

// DeleteObject removes the catalog row and then the current version.
func (s *Store) DeleteObject(ctx context.Context, bucketID, name string) (*Object, error) {
	row, err := s.db.DeleteObject(ctx, bucketID, name)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteObject(ctx, s.bucket, s.Key(bucketID, name), row.Version); err != nil {
		return nil, err
	}
	return &Object{BucketID: bucketID, Name: name, Version: row.Version}, nil
}

// DeleteObjects removes the named objects from the catalog and then their
// current versions in one backend call. Names without a row are skipped.
func (s *Store) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]Object, error) {
	rows, err := s.db.DeleteObjects(ctx, bucketID, names)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(rows))
	deleted := make([]Object, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, storage.WithOptionalVersion(s.Key(bucketID, row.Name), row.Version))
		deleted = append(deleted, Object{BucketID: bucketID, Name: row.Name, Version: row.Version})
	}
	if err := s.backend.DeleteObjects(ctx, s.bucket, keys); err != nil {
		return nil, err
	}
	return deleted, nil
}

// CopyObject copies the current version of an object to a new version of the
// destination and records it.
func (s *Store) CopyObject(ctx context.Context, bucketID, source, destBucketID, destination, owner string, conditions *storage.CopyConditions) (*Object, error) {
	row, err := s.current(ctx, bucketID, source)
	if err != nil {
		return nil, err
	}

	version := uid.New()
	destKey := s.Key(destBucketID, destination)
	if _, err := s.backend.CopyObject(ctx, s.bucket, s.Key(bucketID, source), row.Version, destKey, version, conditions); err != nil {
		return nil, err
	}

	md, err := s.backend.HeadObject(ctx, s.bucket, destKey, version)
	if err != nil {
		return nil, err
	}
	meta := metadataFrom(md)
	if err := s.record(ctx, destBucketID, destination, version, owner, meta); err != nil {
		s.discard(ctx, destKey, version)
		return nil, err
	}
	return &Object{BucketID: destBucketID, Name: destination, Version: version, Metadata: meta}, nil
}

// SignedURL returns a short-lived internal URL to the current version.
func (s *Store) SignedURL(ctx context.Context, bucketID, name string) (string, error) {
	row, err := s.current(ctx, bucketID, name)
	if err != nil {
		return "", err
	}
	return s.backend.PrivateAssetURL(ctx, s.bucket, s.Key(bucketID, name), row.Version)
}

// AdminDelete removes the given versions of an object from the backend. The
// catalog is not consulted: the versions are usually ones it no longer
// references.
func (s *Store) AdminDelete(ctx context.Context, bucketID, name string, versions []string) error {
	key := s.Key(bucketID, name)
	keys := make([]string, 0, len(versions))
	for _, v := range versions {
		keys = append(keys, storage.WithOptionalVersion(key, v))
	}
	return s.backend.DeleteObjects(ctx, s.bucket, keys)
}

// Upload is an in-progress multipart upload.
type Upload struct {
	ID       string
	BucketID string
	Name     string
	Version  string
}

// CreateMultipartUpload starts a multipart upload of a new object version.
func (s *Store) CreateMultipartUpload(ctx context.Context, bucketID, name, contentType, cacheControl string) (*Upload, error) {
	version := uid.New()
	id, err := s.backend.CreateMultipartUpload(ctx, s.bucket, s.Key(bucketID, name), version, contentType, cacheControl)
	if err != nil {
		return nil, err
	}
	return &Upload{ID: id, BucketID: bucketID, Name: name, Version: version}, nil
}

// UploadPart stores one part. A negative length means unknown.
func (s *Store) UploadPart(ctx context.Context, u *Upload, partNumber int32, body io.Reader, length int64) (*storage.PartResult, error) {
	return s.backend.UploadPart(ctx, s.bucket, s.Key(u.BucketID, u.Name), u.Version, u.ID, partNumber, body, length)
}

// UploadPartCopy stores one part copied from the current version of another
// object.
func (s *Store) UploadPartCopy(ctx context.Context, u *Upload, partNumber int32, sourceBucketID, sourceName string, byteRange *storage.ByteRange) (*storage.PartCopyResult, error) {
	row, err := s.current(ctx, sourceBucketID, sourceName)
	if err != nil {
		return nil, err
	}
	return s.backend.UploadPartCopy(ctx, s.bucket, s.Key(u.BucketID, u.Name), u.Version, u.ID, partNumber,
		s.Key(sourceBucketID, sourceName), row.Version, byteRange)
}

// CompleteMultipartUpload assembles the upload and records the new version.
// On failure the upload is left in place for AbortMultipartUpload.
func (s *Store) CompleteMultipartUpload(ctx context.Context, u *Upload, parts []storage.UploadPart, owner string) (*Object, error) {
	key := s.Key(u.BucketID, u.Name)
	if _, err := s.backend.CompleteMultipartUpload(ctx, s.bucket, key, u.ID, u.Version, parts); err != nil {
		return nil, err
	}

	md, err := s.backend.HeadObject(ctx, s.bucket, key, u.Version)
	if err != nil {
		return nil, err
	}
	meta := metadataFrom(md)
	if err := s.record(ctx, u.BucketID, u.Name, u.Version, owner, meta); err != nil {
		s.discard(ctx, key, u.Version)
		return nil, err
	}
	return &Object{BucketID: u.BucketID, Name: u.Name, Version: u.Version, Metadata: meta}, nil
}

// AbortMultipartUpload discards the upload.
func (s *Store) AbortMultipartUpload(ctx context.Context, u *Upload) error {
	return s.backend.AbortMultipartUpload(ctx, s.bucket, s.Key(u.BucketID, u.Name), u.ID, u.Version)
}
