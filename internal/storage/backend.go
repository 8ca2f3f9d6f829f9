// Package storage defines the backend-agnostic object storage contract and its
// implementations.
//
// Keys handed to a Backend are logical keys of the form
// "{tenant}/{bucket}/{object}". When an object is versioned, the physical key
// stored in the backend is "{logical}/{version}"; the Backend, not its
// callers, performs that mapping through WithOptionalVersion.
package storage

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
)

// Metadata defaults applied when the backend omits a header.
const (
	DefaultCacheControl = "no-cache"
	DefaultContentType  = "application/octet-stream"
	// PrivateURLExpiry is the validity of URLs issued by PrivateAssetURL.
	PrivateURLExpiry = 600 * time.Second
)

// ObjectMetadata is an immutable snapshot of an object's metadata.
type ObjectMetadata struct {
	CacheControl   string
	ContentType    string
	ETag           string
	LastModified   *time.Time
	ContentLength  int64
	Size           int64
	HTTPStatusCode int
	ContentRange   string
}

// ObjectResponse is an object's metadata plus its body. The caller owns Body
// and must read it to EOF or close it to release the connection.
type ObjectResponse struct {
	Metadata       ObjectMetadata
	HTTPStatusCode int
	Body           io.ReadCloser
}

// BrowserCacheHeaders carries the conditional read headers of a download.
type BrowserCacheHeaders struct {
	IfNoneMatch string
	Range       string
	// IfModifiedSince is an HTTP date (RFC 7231); unparsable values are ignored.
	IfModifiedSince string
}

// CopyConditions are the predicates of a server-side copy.
type CopyConditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// ByteRange is an inclusive byte range of a part copy source.
type ByteRange struct {
	FromByte int64
	ToByte   int64
}

// UploadPart identifies one stored part of a multipart upload.
type UploadPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// CopyResult is returned by CopyObject.
type CopyResult struct {
	HTTPStatusCode int
	ETag           string
	LastModified   *time.Time
}

// PartResult is returned by UploadPart.
type PartResult struct {
	Version string
	ETag    string
}

// PartCopyResult is returned by UploadPartCopy.
type PartCopyResult struct {
	ETag         string
	LastModified *time.Time
}

// CompletedUpload is returned by CompleteMultipartUpload.
type CompletedUpload struct {
	// Version is the object version the upload was created for.
	Version string
	// Location is the object name: the logical key without its tenant and
	// bucket segments.
	Location string
	// Bucket is the bucket segment of the logical key.
	Bucket string
	// Key is the physical key of the assembled object.
	Key string
	// ETag, VersionID and ServerLocation are the raw backend response fields.
	ETag           string
	VersionID      string
	ServerLocation string
	HTTPStatusCode int
}

// Backend is the capability contract every storage backend implements. All
// methods must be safe for concurrent use and return only *errors.StorageError
// on failure. The context is the cancellation signal of every call.
type Backend interface {
	// GetObject issues a conditional read and returns metadata plus body.
	GetObject(ctx context.Context, bucket, key, version string, headers *BrowserCacheHeaders) (*ObjectResponse, error)

	// UploadObject streams body into the backend and returns the stored
	// object's authoritative metadata.
	UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (*ObjectMetadata, error)

	// DeleteObject removes one object.
	DeleteObject(ctx context.Context, bucket, key, version string) error

	// DeleteObjects removes objects by physical key in one call.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error

	// CopyObject performs a server-side copy honoring the given conditions.
	CopyObject(ctx context.Context, bucket, source, sourceVersion, destination, destinationVersion string, conditions *CopyConditions) (*CopyResult, error)

	// HeadObject returns an object's metadata without its body.
	HeadObject(ctx context.Context, bucket, key, version string) (*ObjectMetadata, error)

	// PrivateAssetURL returns a URL valid for PrivateURLExpiry, for internal
	// systems only.
	PrivateAssetURL(ctx context.Context, bucket, key, version string) (string, error)

	// CreateMultipartUpload starts a multipart upload and returns its id.
	CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (string, error)

	// UploadPart stores one part. A negative length means unknown.
	UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (*PartResult, error)

	// UploadPartCopy stores one part copied from an existing object.
	UploadPartCopy(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, sourceKey, sourceVersion string, byteRange *ByteRange) (*PartCopyResult, error)

	// CompleteMultipartUpload assembles the parts into the final object. An
	// empty parts list completes with whatever parts the backend recorded.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID, version string, parts []UploadPart) (*CompletedUpload, error)

	// AbortMultipartUpload discards a multipart upload and its parts.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID, version string) error
}

// WithOptionalVersion returns the physical key of key at version. A
// versionless key maps to itself.
func WithOptionalVersion(key, version string) string {
	if version == "" {
		return key
	}
	return key + "/" + version
}

// ObjectKey builds the logical key of an object.
func ObjectKey(tenantID, bucket, name string) string {
	return tenantID + "/" + bucket + "/" + name
}

// splitLogicalKey returns the bucket and object name segments of a logical key.
func splitLogicalKey(key string) (bucket, name string) {
	segments := strings.SplitN(key, "/", 3)
	switch len(segments) {
	case 3:
		return segments[1], segments[2]
	case 2:
		return segments[1], ""
	default:
		return "", ""
	}
}

// sortParts orders parts by part number and rejects duplicates. The input is
// not modified.
func sortParts(parts []UploadPart) ([]UploadPart, error) {
	sorted := make([]UploadPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})
	for i, p := range sorted {
		if p.PartNumber < 1 {
			return nil, storerr.Backend("InvalidPart", http.StatusBadRequest, "part numbers start at 1")
		}
		if i > 0 && sorted[i-1].PartNumber == p.PartNumber {
			return nil, storerr.Backend("InvalidPartOrder", http.StatusBadRequest, "duplicate part number in parts list")
		}
	}
	return sorted, nil
}
