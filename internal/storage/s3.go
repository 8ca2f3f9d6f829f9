package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/httppool"
	"github.com/bleepstore/tenantstore/internal/metrics"
	"github.com/bleepstore/tenantstore/internal/optional"
)

// Client names, used as the "name" label of pool metrics.
const (
	ClientDefault  = "s3_default"
	ClientUpload   = "s3_upload"
	ClientDownload = "s3_download"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Presigner issues presigned GET requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Options configures an S3Backend.
type S3Options struct {
	// Endpoint overrides the S3 endpoint URL.
	Endpoint string
	// Region is the S3 region.
	Region string
	// ForcePathStyle enables path-style addressing.
	ForcePathStyle bool
	// AccessKey and SecretKey are static credentials; empty uses the default chain.
	AccessKey string
	SecretKey string
	// RequestTimeout applies to the default client.
	RequestTimeout time.Duration
	// DownloadTimeout applies to the download client.
	DownloadTimeout time.Duration
	// UploadTimeout applies to the upload client. Zero means unlimited.
	UploadTimeout time.Duration
	// MaxSockets bounds each pool the backend creates.
	MaxSockets int
	// Pool, when set, is shared by all three clients instead of each client
	// creating its own. The backend does not close a shared pool.
	Pool *httppool.Pool
	// PartSize and Concurrency tune UploadObject; zero uses SDK defaults.
	PartSize    int64
	Concurrency int
}

// S3Backend implements Backend against an S3-compatible store. It holds three
// clients so that long transfers do not starve short control calls: a
// default client for metadata and control operations, an upload client with
// no request timeout, and a download client with its own timeout. Each client
// has its own connection pool unless a shared pool is supplied.
type S3Backend struct {
	client         S3API
	uploadClient   S3API
	downloadClient S3API
	presigner      Presigner

	partSize    int64
	concurrency int

	// pools are the pools owned (and closed) by this backend.
	pools []*httppool.Pool
}

// LoadS3Config resolves the AWS configuration for opts: region and either the
// static credentials or the default credential chain. The returned config
// carries a credentials cache and should be reused across backends.
func LoadS3Config(ctx context.Context, opts S3Options) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// NewS3Backend loads the AWS configuration and creates the three S3 clients
// and their pools.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	cfg, err := LoadS3Config(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewS3BackendFromConfig(cfg, opts), nil
}

// NewS3BackendFromConfig creates the three S3 clients from an already loaded
// AWS configuration.
func NewS3BackendFromConfig(cfg aws.Config, opts S3Options) *S3Backend {
	b := &S3Backend{
		partSize:    opts.PartSize,
		concurrency: opts.Concurrency,
	}

	defaultClient := b.newClient(cfg, opts, ClientDefault, opts.RequestTimeout)
	b.client = defaultClient
	b.uploadClient = b.newClient(cfg, opts, ClientUpload, opts.UploadTimeout)
	b.downloadClient = b.newClient(cfg, opts, ClientDownload, opts.DownloadTimeout)
	b.presigner = s3.NewPresignClient(defaultClient)

	slog.Debug("S3 backend initialized", "region", opts.Region, "endpoint", opts.Endpoint, "shared_pool", opts.Pool != nil)
	return b
}

// NewS3BackendWithClients creates an S3Backend with pre-configured clients.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClients(client, uploadClient, downloadClient S3API, presigner Presigner) *S3Backend {
	return &S3Backend{
		client:         client,
		uploadClient:   uploadClient,
		downloadClient: downloadClient,
		presigner:      presigner,
	}
}

func (b *S3Backend) newClient(cfg aws.Config, opts S3Options, name string, timeout time.Duration) *s3.Client {
	pool := opts.Pool
	if pool == nil {
		pool = httppool.New(name, opts.Region, httppool.Options{MaxSockets: opts.MaxSockets})
		b.pools = append(b.pools, pool)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = pool.Client(timeout)
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
}

// Close releases the pools owned by the backend.
func (b *S3Backend) Close() error {
	for _, p := range b.pools {
		p.Close()
	}
	b.pools = nil
	return nil
}

// GetObject reads an object through the download client.
func (b *S3Backend) GetObject(ctx context.Context, bucket, key, version string, headers *BrowserCacheHeaders) (resp *ObjectResponse, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("GetObject", start, err) }(time.Now())

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(WithOptionalVersion(key, version)),
	}
	if headers != nil {
		if headers.IfNoneMatch != "" {
			input.IfNoneMatch = aws.String(headers.IfNoneMatch)
		}
		if headers.Range != "" {
			input.Range = aws.String(headers.Range)
		}
		if headers.IfModifiedSince != "" {
			if t, perr := http.ParseTime(headers.IfModifiedSince); perr == nil {
				input.IfModifiedSince = aws.Time(t)
			}
		}
	}

	out, err := b.downloadClient.GetObject(ctx, input)
	if err != nil {
		return nil, storerr.FromError(err)
	}

	status := http.StatusOK
	if out.ContentRange != nil && *out.ContentRange != "" {
		status = http.StatusPartialContent
	}
	length := optional.Or(0, out.ContentLength)

	return &ObjectResponse{
		Metadata: ObjectMetadata{
			CacheControl:   optional.Or(DefaultCacheControl, nonEmpty(out.CacheControl)),
			ContentType:    optional.Or(DefaultContentType, nonEmpty(out.ContentType)),
			ETag:           aws.ToString(out.ETag),
			LastModified:   out.LastModified,
			ContentRange:   aws.ToString(out.ContentRange),
			ContentLength:  length,
			Size:           length,
			HTTPStatusCode: status,
		},
		HTTPStatusCode: status,
		Body:           out.Body,
	}, nil
}

// UploadObject performs a size-adaptive upload through the upload client and
// then reads back the authoritative metadata. If ctx is cancelled mid-upload,
// any multipart upload created by the upload helper is aborted and a
// Cancelled error is returned.
func (b *S3Backend) UploadObject(ctx context.Context, bucket, key, version string, body io.Reader, contentType, cacheControl string) (md *ObjectMetadata, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadObject", start, err) }(time.Now())

	physical := WithOptionalVersion(key, version)
	uploader := manager.NewUploader(b.uploadClient, func(u *manager.Uploader) {
		if b.partSize > 0 {
			u.PartSize = b.partSize
		}
		if b.concurrency > 0 {
			u.Concurrency = b.concurrency
		}
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(physical),
		Body:         body,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		b.abortFailedUpload(ctx, bucket, physical, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, storerr.FromError(ctxErr)
		}
		return nil, storerr.FromError(err)
	}

	head, err := b.HeadObject(ctx, bucket, key, version)
	if err != nil {
		return nil, err
	}

	return &ObjectMetadata{
		HTTPStatusCode: head.HTTPStatusCode,
		CacheControl:   cacheControl,
		ETag:           head.ETag,
		ContentType:    head.ContentType,
		ContentLength:  head.ContentLength,
		LastModified:   head.LastModified,
		Size:           head.Size,
		ContentRange:   head.ContentRange,
	}, nil
}

// abortFailedUpload aborts the multipart upload left behind by a failed
// upload helper call. The abort runs detached from ctx because ctx is usually
// the cancelled one.
func (b *S3Backend) abortFailedUpload(ctx context.Context, bucket, physical string, uploadErr error) {
	var mu manager.MultiUploadFailure
	if !errors.As(uploadErr, &mu) || mu.UploadID() == "" {
		return
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	_, err := b.uploadClient.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(physical),
		UploadId: aws.String(mu.UploadID()),
	})
	if err != nil {
		slog.Warn("Failed to abort multipart upload", "upload_id", mu.UploadID(), "key", physical, "error", err)
	}
}

// DeleteObject removes one object.
func (b *S3Backend) DeleteObject(ctx context.Context, bucket, key, version string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("DeleteObject", start, err) }(time.Now())

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(WithOptionalVersion(key, version)),
	})
	return storerr.FromError(err)
}

// DeleteObjects removes objects in one batch call. The call is issued even for
// an empty key list; stores that reject an empty Delete document with
// MalformedXML are treated as having deleted nothing. Per-key errors reported
// by the backend fail the whole call, even if other keys were removed.
func (b *S3Backend) DeleteObjects(ctx context.Context, bucket string, keys []string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("DeleteObjects", start, err) }(time.Now())

	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}

	out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		err = storerr.FromError(err)
		if len(keys) == 0 && isMalformedXML(err) {
			return nil
		}
		return err
	}
	if out != nil && len(out.Errors) > 0 {
		first := out.Errors[0]
		return storerr.Backend(
			optional.Or("InternalError", nonEmpty(first.Code)),
			http.StatusInternalServerError,
			fmt.Sprintf("%d of %d keys failed to delete, first %q: %s", len(out.Errors), len(keys), aws.ToString(first.Key), aws.ToString(first.Message)),
		)
	}
	return nil
}

// CopyObject performs a server-side copy through the upload client.
func (b *S3Backend) CopyObject(ctx context.Context, bucket, source, sourceVersion, destination, destinationVersion string, conditions *CopyConditions) (res *CopyResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CopyObject", start, err) }(time.Now())

	input := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + WithOptionalVersion(source, sourceVersion)),
		Key:        aws.String(WithOptionalVersion(destination, destinationVersion)),
	}
	if conditions != nil {
		if conditions.IfMatch != "" {
			input.CopySourceIfMatch = aws.String(conditions.IfMatch)
		}
		if conditions.IfNoneMatch != "" {
			input.CopySourceIfNoneMatch = aws.String(conditions.IfNoneMatch)
		}
		input.CopySourceIfModifiedSince = conditions.IfModifiedSince
		input.CopySourceIfUnmodifiedSince = conditions.IfUnmodifiedSince
	}

	out, err := b.uploadClient.CopyObject(ctx, input)
	if err != nil {
		return nil, storerr.FromError(err)
	}

	res = &CopyResult{HTTPStatusCode: http.StatusOK}
	if out.CopyObjectResult != nil {
		res.ETag = aws.ToString(out.CopyObjectResult.ETag)
		res.LastModified = out.CopyObjectResult.LastModified
	}
	return res, nil
}

// HeadObject returns an object's metadata.
func (b *S3Backend) HeadObject(ctx context.Context, bucket, key, version string) (md *ObjectMetadata, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("HeadObject", start, err) }(time.Now())

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(WithOptionalVersion(key, version)),
	})
	if err != nil {
		return nil, storerr.FromError(err)
	}

	length := optional.Or(0, out.ContentLength)
	return &ObjectMetadata{
		CacheControl:   optional.Or(DefaultCacheControl, nonEmpty(out.CacheControl)),
		ContentType:    optional.Or(DefaultContentType, nonEmpty(out.ContentType)),
		ETag:           aws.ToString(out.ETag),
		LastModified:   out.LastModified,
		ContentLength:  length,
		Size:           length,
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// PrivateAssetURL presigns a GET request valid for PrivateURLExpiry.
func (b *S3Backend) PrivateAssetURL(ctx context.Context, bucket, key, version string) (url string, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("PrivateAssetURL", start, err) }(time.Now())

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(WithOptionalVersion(key, version)),
	}, s3.WithPresignExpires(PrivateURLExpiry))
	if err != nil {
		return "", storerr.FromError(err)
	}
	return req.URL, nil
}

// CreateMultipartUpload starts a multipart upload. The version is recorded in
// the object's user metadata.
func (b *S3Backend) CreateMultipartUpload(ctx context.Context, bucket, key, version, contentType, cacheControl string) (uploadID string, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CreateMultipartUpload", start, err) }(time.Now())

	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(WithOptionalVersion(key, version)),
		CacheControl: aws.String(cacheControl),
		ContentType:  aws.String(contentType),
		Metadata: map[string]string{
			"Version": version,
		},
	})
	if err != nil {
		return "", storerr.FromError(err)
	}
	if aws.ToString(out.UploadId) == "" {
		return "", storerr.InvalidUploadID()
	}
	return *out.UploadId, nil
}

// UploadPart stores one part through the upload client.
func (b *S3Backend) UploadPart(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (res *PartResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadPart", start, err) }(time.Now())

	input := &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(WithOptionalVersion(key, version)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	}
	if length >= 0 {
		input.ContentLength = aws.Int64(length)
	}

	out, err := b.uploadClient.UploadPart(ctx, input)
	if err != nil {
		return nil, storerr.FromError(err)
	}
	return &PartResult{
		Version: version,
		ETag:    aws.ToString(out.ETag),
	}, nil
}

// UploadPartCopy stores one part copied from an existing object, optionally
// restricted to a byte range.
func (b *S3Backend) UploadPartCopy(ctx context.Context, bucket, key, version, uploadID string, partNumber int32, sourceKey, sourceVersion string, byteRange *ByteRange) (res *PartCopyResult, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("UploadPartCopy", start, err) }(time.Now())

	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(WithOptionalVersion(key, version)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(bucket + "/" + WithOptionalVersion(sourceKey, sourceVersion)),
	}
	if byteRange != nil {
		input.CopySourceRange = aws.String(fmt.Sprintf("bytes=%d-%d", byteRange.FromByte, byteRange.ToByte))
	}

	out, err := b.uploadClient.UploadPartCopy(ctx, input)
	if err != nil {
		return nil, storerr.FromError(err)
	}

	res = &PartCopyResult{}
	if out.CopyPartResult != nil {
		res.ETag = aws.ToString(out.CopyPartResult.ETag)
		res.LastModified = out.CopyPartResult.LastModified
	}
	return res, nil
}

// CompleteMultipartUpload assembles the upload. With an empty parts list the
// parts already recorded by the backend are listed and used; when no parts
// exist at all the manifest is omitted. Failure leaves the upload in place:
// the caller must abort it.
func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID, version string, parts []UploadPart) (res *CompletedUpload, err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("CompleteMultipartUpload", start, err) }(time.Now())

	physical := WithOptionalVersion(key, version)

	if len(parts) == 0 {
		parts, err = b.listParts(ctx, bucket, physical, uploadID)
		if err != nil {
			return nil, err
		}
	}

	sorted, err := sortParts(parts)
	if err != nil {
		return nil, err
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(physical),
		UploadId: aws.String(uploadID),
	}
	if len(sorted) > 0 {
		completed := make([]types.CompletedPart, 0, len(sorted))
		for _, p := range sorted {
			completed = append(completed, types.CompletedPart{
				ETag:       aws.String(p.ETag),
				PartNumber: aws.Int32(p.PartNumber),
			})
		}
		input.MultipartUpload = &types.CompletedMultipartUpload{Parts: completed}
	}

	out, err := b.client.CompleteMultipartUpload(ctx, input)
	if err != nil {
		return nil, storerr.FromError(err)
	}

	objectBucket, location := splitLogicalKey(key)
	return &CompletedUpload{
		Version:        version,
		Location:       location,
		Bucket:         objectBucket,
		Key:            optional.Or(physical, nonEmpty(out.Key)),
		ETag:           aws.ToString(out.ETag),
		VersionID:      aws.ToString(out.VersionId),
		ServerLocation: aws.ToString(out.Location),
		HTTPStatusCode: http.StatusOK,
	}, nil
}

// listParts returns every part recorded for an upload, across pages.
func (b *S3Backend) listParts(ctx context.Context, bucket, physical, uploadID string) ([]UploadPart, error) {
	var parts []UploadPart
	paginator := s3.NewListPartsPaginator(b.client, &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(physical),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storerr.FromError(err)
		}
		for _, p := range page.Parts {
			parts = append(parts, UploadPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}
	}
	return parts, nil
}

// AbortMultipartUpload discards an upload. Backends treat repeated aborts as
// idempotent; that is not re-verified here.
func (b *S3Backend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID, version string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("AbortMultipartUpload", start, err) }(time.Now())

	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(WithOptionalVersion(key, version)),
		UploadId: aws.String(uploadID),
	})
	return storerr.FromError(err)
}

// nonEmpty treats an empty string header as absent.
// CheckBucket verifies that bucket exists and is reachable with the
// backend's credentials.
func (b *S3Backend) CheckBucket(ctx context.Context, bucket string) (err error) {
	defer func(start time.Time) { metrics.ObserveBackendOperation("HeadBucket", start, err) }(time.Now())

	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return storerr.FromError(err)
	}
	return nil
}

func isMalformedXML(err error) bool {
	var se *storerr.StorageError
	return errors.As(err, &se) && se.Code == "MalformedXML" && se.HTTPStatus == http.StatusBadRequest
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// Ensure S3Backend implements Backend at compile time.
var _ Backend = (*S3Backend)(nil)
