package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/metrics"
	"github.com/bleepstore/tenantstore/internal/uid"
)

// memObject holds the raw data and metadata of an in-memory object.
type memObject struct {
	Data         []byte
	ETag         string
	ContentType  string
	CacheControl string
	LastModified time.Time
}

// memPart holds the raw data and precomputed ETag for a single multipart
// upload part.
type memPart struct {
	Data []byte
	ETag string
}

// memUpload is an in-progress multipart upload.
type memUpload struct {
	Bucket       string
	Key          string
	ContentType  string
	CacheControl string
	Parts        map[int32]memPart
}

// MemoryBackend implements Backend using in-memory maps. It is used for local
// development and as the reference backend in tests.
type MemoryBackend struct {
	mu           sync.RWMutex
	objects      map[string]memObject  // key: "bucket/physical key"
	uploads      map[string]*memUpload // key: upload ID
	currentSize  int64
	maxSizeBytes int64

	now func() time.Time
}

// NewMemoryBackend creates a new MemoryBackend. A positive maxSizeBytes caps
// the bytes held across objects and parts.
func NewMemoryBackend(maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		objects:      make(map[string]memObject),
		uploads:      make(map[string]*memUpload),
		maxSizeBytes: maxSizeBytes,
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// memKey builds the map key for an object from its bucket and key.
func memKey(bucket, key string) string {
	return bucket + "/" + key
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

func noSuchKey(bucket, key string) error {
	return storerr.Backend("NoSuchKey", http.StatusNotFound, fmt.Sprintf("object not found: %s/%s", bucket, key))
}

func noSuchUpload(uploadID string) error {
	return storerr.Backend("NoSuchUpload", http.StatusNotFound, fmt.Sprintf("upload not found: %s", uploadID))
}

// readAll drains r, stopping early when ctx is done.
func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, storerr.FromError(err)
		}
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, storerr.FromError(err)
		}
	}
}

// reserveLocked checks the size cap for a change of delta bytes. The caller
// must hold b.mu.
func (b *MemoryBackend) reserveLocked(delta int64) error {
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return storerr.Backend("EntityTooLarge", http.StatusInsufficientStorage,
			fmt.Sprintf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes))
	}
	b.currentSize += delta
	return nil
}

func (o memObject) metadata(status int) *ObjectMetadata {
	lm := o.LastModified
	size := int64(len(o.Data))
	return &ObjectMetadata{
		CacheControl:   o.CacheControl,
		ContentType:    o.ContentType,
		ETag:           o.ETag,
		LastModified:   &lm,
		ContentLength:  size,
		Size:           size,
		HTTPStatusCode: status,
	}
}

// GetObject returns a reader over a copy of the stored data. Conditional
// headers are honored the way S3 honors them: a matching If-None-Match or an
// unchanged If-Modified-Since yields a NotModified error.
func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key, version string, headers *BrowserCacheHeaders) (resp *ObjectResponse, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("GetObject", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storerr.FromError(err)
	}

	physical := WithOptionalVersion(key, version)
	b.mu.RLock()
	obj, found := b.objects[memKey(bucket, physical)]
	b.mu.RUnlock()
	if !found {
		return nil, noSuchKey(bucket, physical)
	}

	data := obj.Data
	status := http.StatusOK
	md := obj.metadata(status)

	if headers != nil {
		if headers.IfNoneMatch != "" && headers.IfNoneMatch == obj.ETag {
			return nil, storerr.Backend("NotModified", http.StatusNotModified, "not modified")
		}
		if headers.IfModifiedSince != "" {
			if since, perr := http.ParseTime(headers.IfModifiedSince); perr == nil && !obj.LastModified.After(since) {
				return nil, storerr.Backend("NotModified", http.StatusNotModified, "not modified")
			}
		}
		if headers.Range != "" {
			from, to, ok := parseRange(headers.Range, int64(len(obj.Data)))
			if !ok {
				return nil, storerr.Backend("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "the requested range is not satisfiable")
			}
			data = obj.Data[from : to+1]
			status = http.StatusPartialContent
			md.HTTPStatusCode = status
			md.ContentRange = fmt.Sprintf("bytes %d-%d/%d", from, to, len(obj.Data))
			md.ContentLength = int64(len(data))
			md.Size = int64(len(data))
		}
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	return &ObjectResponse{
		Metadata:       *md,
		HTTPStatusCode: status,
		Body:           io.NopCloser(bytes.NewReader(dataCopy)),
	}, nil
}

// parseRange parses a single "bytes=" range against an object of size bytes
// and returns inclusive offsets.
func parseRange(spec string, size int64) (from, to int64, ok bool) {
	spec, found := strings.CutPrefix(spec, "bytes=")
	if !found || strings.Contains(spec, ",") || size == 0 {
		return 0, 0, false
	}
	start, end, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	switch {
	case start == "":
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	default:
		s, err := strconv.ParseInt(start, 10, 64)
		if err != nil || s < 0 || s >= size {
			return 0, 0, false
		}
		e := size - 1
		if end != "" {
			e, err = strconv.ParseInt(end, 10, 64)
			if err != nil || e < s {
				return 0, 0, false
			}
			if e >= size {
				e = size - 1
			}
		}
		return s, e, true
	}
}

// UploadObject reads all data from body and stores it. Cancelling ctx before
// the body is drained stores nothing.
func (b *MemoryBackend) UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (md *ObjectMetadata, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadObject", start, err) }(time.Now())

	data, err := readAll(ctx, body)
	if err != nil {
		return nil, err
	}

	obj, err := b.store(bucket, WithOptionalVersion(key, version), data, computeETag(data), contentType, cacheControl)
	if err != nil {
		return nil, err
	}
	md = obj.metadata(http.StatusOK)
	md.CacheControl = cacheControl
	return md, nil
}

func (b *MemoryBackend) store(bucket, physical string, data []byte, etag, contentType, cacheControl string) (memObject, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	if cacheControl == "" {
		cacheControl = DefaultCacheControl
	}
	obj := memObject{
		Data:         data,
		ETag:         etag,
		ContentType:  contentType,
		CacheControl: cacheControl,
		LastModified: b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(bucket, physical)
	delta := int64(len(data))
	if existing, found := b.objects[k]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return memObject{}, err
	}
	b.objects[k] = obj
	return obj, nil
}

// DeleteObject removes an object. Deleting a missing object is not an error.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key, version string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("DeleteObject", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return storerr.FromError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(memKey(bucket, WithOptionalVersion(key, version)))
	return nil
}

func (b *MemoryBackend) deleteLocked(k string) {
	if obj, found := b.objects[k]; found {
		b.currentSize -= int64(len(obj.Data))
		delete(b.objects, k)
	}
}

// DeleteObjects removes objects by physical key.
func (b *MemoryBackend) DeleteObjects(ctx context.Context, bucket string, keys []string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("DeleteObjects", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return storerr.FromError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.deleteLocked(memKey(bucket, k))
	}
	return nil
}

// CopyObject copies an object within the bucket after checking conditions
// against the source.
func (b *MemoryBackend) CopyObject(ctx context.Context, bucket, source, sourceVersion, destination, destinationVersion string, conditions *CopyConditions) (res *CopyResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CopyObject", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storerr.FromError(err)
	}

	srcPhysical := WithOptionalVersion(source, sourceVersion)
	b.mu.RLock()
	src, found := b.objects[memKey(bucket, srcPhysical)]
	b.mu.RUnlock()
	if !found {
		return nil, noSuchKey(bucket, srcPhysical)
	}
	if !copyConditionsHold(src, conditions) {
		return nil, storerr.Backend("PreconditionFailed", http.StatusPreconditionFailed, "at least one of the pre-conditions you specified did not hold")
	}

	// Copy the data slice so source and destination are independent.
	dataCopy := make([]byte, len(src.Data))
	copy(dataCopy, src.Data)

	dst, err := b.store(bucket, WithOptionalVersion(destination, destinationVersion), dataCopy, src.ETag, src.ContentType, src.CacheControl)
	if err != nil {
		return nil, err
	}
	lm := dst.LastModified
	return &CopyResult{HTTPStatusCode: http.StatusOK, ETag: dst.ETag, LastModified: &lm}, nil
}

func copyConditionsHold(src memObject, c *CopyConditions) bool {
	if c == nil {
		return true
	}
	if c.IfMatch != "" && c.IfMatch != src.ETag {
		return false
	}
	if c.IfNoneMatch != "" && c.IfNoneMatch == src.ETag {
		return false
	}
	if c.IfModifiedSince != nil && !src.LastModified.After(*c.IfModifiedSince) {
		return false
	}
	if c.IfUnmodifiedSince != nil && src.LastModified.After(*c.IfUnmodifiedSince) {
		return false
	}
	return true
}

// HeadObject returns an object's metadata.
func (b *MemoryBackend) HeadObject(ctx context.Context, bucket, key, version string) (md *ObjectMetadata, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("HeadObject", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storerr.FromError(err)
	}

	physical := WithOptionalVersion(key, version)
	b.mu.RLock()
	obj, found := b.objects[memKey(bucket, physical)]
	b.mu.RUnlock()
	if !found {
		return nil, noSuchKey(bucket, physical)
	}
	return obj.metadata(http.StatusOK), nil
}

// PrivateAssetURL returns a memory:// URL carrying the expiry. It is only
// meaningful to tests.
func (b *MemoryBackend) PrivateAssetURL(ctx context.Context, bucket, key, version string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storerr.FromError(err)
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     bucket,
		Path:     "/" + WithOptionalVersion(key, version),
		RawQuery: url.Values{"X-Amz-Expires": {strconv.Itoa(int(PrivateURLExpiry.Seconds()))}}.Encode(),
	}
	return u.String(), nil
}

// CreateMultipartUpload registers a new upload.
func (b *MemoryBackend) CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (uploadID string, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CreateMultipartUpload", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return "", storerr.FromError(err)
	}

	uploadID = uid.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads[uploadID] = &memUpload{
		Bucket:       bucket,
		Key:          WithOptionalVersion(key, version),
		ContentType:  contentType,
		CacheControl: cacheControl,
		Parts:        make(map[int32]memPart),
	}
	return uploadID, nil
}

// lookupUploadLocked returns the upload if it exists for the given physical
// key. The caller must hold b.mu.
func (b *MemoryBackend) lookupUploadLocked(uploadID, bucket, physical string) (*memUpload, error) {
	u, found := b.uploads[uploadID]
	if !found || u.Bucket != bucket || u.Key != physical {
		return nil, noSuchUpload(uploadID)
	}
	return u, nil
}

func (b *MemoryBackend) putPart(bucket, physical, uploadID string, partNumber int32, data []byte) (string, error) {
	if partNumber < 1 {
		return "", storerr.Backend("InvalidArgument", http.StatusBadRequest, "part numbers start at 1")
	}
	etag := computeETag(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookupUploadLocked(uploadID, bucket, physical)
	if err != nil {
		return "", err
	}
	delta := int64(len(data))
	if existing, found := u.Parts[partNumber]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return "", err
	}
	u.Parts[partNumber] = memPart{Data: data, ETag: etag}
	return etag, nil
}

// UploadPart stores one part of an upload.
func (b *MemoryBackend) UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (res *PartResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadPart", start, err) }(time.Now())

	data, err := readAll(ctx, body)
	if err != nil {
		return nil, err
	}
	if length >= 0 && int64(len(data)) != length {
		return nil, storerr.Backend("IncompleteBody", http.StatusBadRequest,
			fmt.Sprintf("expected %d bytes, got %d", length, len(data)))
	}

	etag, err := b.putPart(bucket, WithOptionalVersion(key, version), uploadID, partNumber, data)
	if err != nil {
		return nil, err
	}
	return &PartResult{Version: version, ETag: etag}, nil
}

// UploadPartCopy stores one part copied from an existing object.
func (b *MemoryBackend) UploadPartCopy(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, sourceKey, sourceVersion string, byteRange *ByteRange) (res *PartCopyResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadPartCopy", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storerr.FromError(err)
	}

	srcPhysical := WithOptionalVersion(sourceKey, sourceVersion)
	b.mu.RLock()
	src, found := b.objects[memKey(bucket, srcPhysical)]
	b.mu.RUnlock()
	if !found {
		return nil, noSuchKey(bucket, srcPhysical)
	}

	data := src.Data
	if byteRange != nil {
		size := int64(len(src.Data))
		if byteRange.FromByte < 0 || byteRange.ToByte < byteRange.FromByte || byteRange.ToByte >= size {
			return nil, storerr.Backend("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "the requested range is not satisfiable")
		}
		data = src.Data[byteRange.FromByte : byteRange.ToByte+1]
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	etag, err := b.putPart(bucket, WithOptionalVersion(key, version), uploadID, partNumber, dataCopy)
	if err != nil {
		return nil, err
	}
	lm := b.now()
	return &PartCopyResult{ETag: etag, LastModified: &lm}, nil
}

// CompleteMultipartUpload concatenates the listed parts, or every recorded
// part when the list is empty, into the final object. The ETag uses the
// standard S3 multipart format. An upload with no parts at all completes as
// an empty object.
func (b *MemoryBackend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID, version string, parts []UploadPart) (res *CompletedUpload, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CompleteMultipartUpload", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storerr.FromError(err)
	}

	physical := WithOptionalVersion(key, version)

	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookupUploadLocked(uploadID, bucket, physical)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		for pn, p := range u.Parts {
			parts = append(parts, UploadPart{PartNumber: pn, ETag: p.ETag, Size: int64(len(p.Data))})
		}
	}
	sorted, err := sortParts(parts)
	if err != nil {
		return nil, err
	}

	var assembled []byte
	compositeMD5 := md5.New()
	for _, p := range sorted {
		part, found := u.Parts[p.PartNumber]
		if !found || part.ETag != p.ETag {
			return nil, storerr.Backend("InvalidPart", http.StatusBadRequest,
				fmt.Sprintf("part not found: uploadID=%s partNumber=%d", uploadID, p.PartNumber))
		}
		assembled = append(assembled, part.Data...)
		partHash := md5.Sum(part.Data)
		compositeMD5.Write(partHash[:])
	}
	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(sorted))
	if len(sorted) == 0 {
		etag = computeETag(nil)
	}

	k := memKey(bucket, physical)
	delta := int64(len(assembled)) - uploadSize(u)
	if existing, found := b.objects[k]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return nil, err
	}
	b.objects[k] = memObject{
		Data:         assembled,
		ETag:         etag,
		ContentType:  orDefault(u.ContentType, DefaultContentType),
		CacheControl: orDefault(u.CacheControl, DefaultCacheControl),
		LastModified: b.now(),
	}
	delete(b.uploads, uploadID)

	objectBucket, location := splitLogicalKey(key)
	return &CompletedUpload{
		Version:        version,
		Location:       location,
		Bucket:         objectBucket,
		Key:            physical,
		ETag:           etag,
		ServerLocation: "/" + bucket + "/" + physical,
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (b *MemoryBackend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID, version string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("AbortMultipartUpload", start, err) }(time.Now())
	if err := ctx.Err(); err != nil {
		return storerr.FromError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookupUploadLocked(uploadID, bucket, WithOptionalVersion(key, version))
	if err != nil {
		return err
	}
	b.currentSize -= uploadSize(u)
	delete(b.uploads, uploadID)
	return nil
}

// CheckBucket reports ctx errors only; every bucket exists in memory.
func (b *MemoryBackend) CheckBucket(ctx context.Context, bucket string) error {
	return storerr.FromError(ctx.Err())
}

// Uploads returns the IDs of in-progress uploads, sorted.
func (b *MemoryBackend) Uploads() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.uploads))
	for id := range b.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the bytes held across objects and parts.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}

func uploadSize(u *memUpload) int64 {
	var n int64
	for _, p := range u.Parts {
		n += int64(len(p.Data))
	}
	return n
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Ensure MemoryBackend implements Backend at compile time.
var _ Backend = (*MemoryBackend)(nil)
