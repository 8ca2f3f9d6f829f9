package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/uid"
)

func TestWithOptionalVersion(t *testing.T) {
	assert.Equal(t, "t1/b/k", WithOptionalVersion("t1/b/k", ""))
	assert.Equal(t, "t1/b/k/v1", WithOptionalVersion("t1/b/k", "v1"))
	assert.Equal(t, "t1/b/k", ObjectKey("t1", "b", "k"))
}

func TestWithOptionalVersionInjective(t *testing.T) {
	keys := []string{"t1/b/a", "t1/b/a/b", "t1/b/ab", "t2/b/a", "t1/b/a.txt", "t1/b/dir/a"}
	versions := []string{uid.New(), uid.New(), uid.New()}

	seen := make(map[string]string)
	for _, k := range keys {
		for _, v := range versions {
			physical := WithOptionalVersion(k, v)
			pair := k + "@" + v
			prev, dup := seen[physical]
			assert.False(t, dup, "%s and %s both map to %s", prev, pair, physical)
			seen[physical] = pair
		}
	}
}

func TestSplitLogicalKey(t *testing.T) {
	tests := []struct {
		key, bucket, name string
	}{
		{"t1/bucket/file.bin", "bucket", "file.bin"},
		{"t1/bucket/dir/file.bin", "bucket", "dir/file.bin"},
		{"t1/bucket", "bucket", ""},
		{"t1", "", ""},
	}
	for _, tt := range tests {
		bucket, name := splitLogicalKey(tt.key)
		assert.Equal(t, tt.bucket, bucket, tt.key)
		assert.Equal(t, tt.name, name, tt.key)
	}
}

func TestSortParts(t *testing.T) {
	in := []UploadPart{{PartNumber: 3}, {PartNumber: 1}, {PartNumber: 2}}
	out, err := sortParts(in)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, []int32{out[0].PartNumber, out[1].PartNumber, out[2].PartNumber})
	assert.EqualValues(t, 3, in[0].PartNumber)

	_, err = sortParts([]UploadPart{{PartNumber: 0}})
	assert.Error(t, err)

	empty, err := sortParts(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// backendCase builds a fresh backend and a way to count open multipart uploads.
type backendCase struct {
	name    string
	new     func(t *testing.T) Backend
	uploads func(b Backend) int
}

func backendCases() []backendCase {
	return []backendCase{
		{
			name: "memory",
			new:  func(t *testing.T) Backend { return NewMemoryBackend(0) },
			uploads: func(b Backend) int {
				return len(b.(*MemoryBackend).Uploads())
			},
		},
		{
			name: "s3",
			new: func(t *testing.T) Backend {
				b, _ := newTestS3Backend(t)
				return b
			},
			uploads: func(b Backend) int {
				return b.(*S3Backend).client.(*mockS3Client).uploadCount()
			},
		},
	}
}

func TestBackendConformance(t *testing.T) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			t.Run("upload then get returns the same bytes", func(t *testing.T) {
				b := bc.new(t)
				ctx := context.Background()
				payloads := [][]byte{
					{},
					[]byte("x"),
					bytes.Repeat([]byte{0xFF, 0x00}, 4096),
				}
				for i, payload := range payloads {
					key := ObjectKey("tenant", "bucket", fmt.Sprintf("obj-%d", i))
					md, err := b.UploadObject(ctx, testBucket, key, "v1", bytes.NewReader(payload), "application/custom", "max-age=5")
					require.NoError(t, err)
					assert.EqualValues(t, len(payload), md.Size)
					assert.Equal(t, "application/custom", md.ContentType)

					resp, err := b.GetObject(ctx, testBucket, key, "v1", nil)
					require.NoError(t, err)
					got, err := io.ReadAll(resp.Body)
					require.NoError(t, err)
					require.NoError(t, resp.Body.Close())
					assert.True(t, bytes.Equal(payload, got), "payload %d differs", i)
					assert.Equal(t, md.ETag, resp.Metadata.ETag)
				}
			})

			t.Run("cancelled upload leaves no object and no upload", func(t *testing.T) {
				b := bc.new(t)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				body := &cancelAfterReader{
					r:      bytes.NewReader(bytes.Repeat([]byte("c"), int(manager.MinUploadPartSize)*3)),
					limit:  int(manager.MinUploadPartSize) + 1024,
					cancel: cancel,
				}
				_, err := b.UploadObject(ctx, testBucket, "tenant/bucket/cancelled", "v1", body, "", "")
				require.Error(t, err)
				assert.True(t, storerr.IsCancelled(err), "got %v", err)
				assert.Equal(t, storerr.StatusClientClosedRequest, storerr.StatusOf(err))

				_, err = b.HeadObject(context.Background(), testBucket, "tenant/bucket/cancelled", "v1")
				assert.True(t, storerr.IsNotFound(err))
				assert.Equal(t, 0, bc.uploads(b))
			})

			t.Run("delete objects with zero keys", func(t *testing.T) {
				b := bc.new(t)
				assert.NoError(t, b.DeleteObjects(context.Background(), testBucket, []string{}))
			})

			t.Run("head missing key", func(t *testing.T) {
				b := bc.new(t)
				_, err := b.HeadObject(context.Background(), testBucket, "tenant/bucket/missing", "")
				require.Error(t, err)
				assert.Equal(t, storerr.KindBackend, storerr.KindOf(err))
				assert.Equal(t, http.StatusNotFound, storerr.StatusOf(err))
			})

			t.Run("complete parts given in reverse order", func(t *testing.T) {
				b := bc.new(t)
				ctx := context.Background()
				key := "tenant/bucket/reversed"

				uploadID, err := b.CreateMultipartUpload(ctx, testBucket, key, "v1", "text/plain", "no-cache")
				require.NoError(t, err)

				var parts []UploadPart
				for i, chunk := range []string{"a", "b", "c"} {
					res, err := b.UploadPart(ctx, testBucket, key, "v1", uploadID, int32(i+1), strings.NewReader(chunk), 1)
					require.NoError(t, err)
					parts = append([]UploadPart{{PartNumber: int32(i + 1), ETag: res.ETag}}, parts...)
				}

				done, err := b.CompleteMultipartUpload(ctx, testBucket, key, uploadID, "v1", parts)
				require.NoError(t, err)
				assert.Equal(t, "bucket", done.Bucket)
				assert.Equal(t, "reversed", done.Location)

				resp, err := b.GetObject(ctx, testBucket, key, "v1", nil)
				require.NoError(t, err)
				got, _ := io.ReadAll(resp.Body)
				assert.Equal(t, "abc", string(got))
				assert.Equal(t, 0, bc.uploads(b))
			})

			t.Run("empty parts list completes like the explicit list", func(t *testing.T) {
				b := bc.new(t)
				ctx := context.Background()

				run := func(key string, explicit bool) *CompletedUpload {
					uploadID, err := b.CreateMultipartUpload(ctx, testBucket, key, "v1", "", "")
					require.NoError(t, err)
					var parts []UploadPart
					for i, chunk := range []string{"hello ", "world"} {
						res, err := b.UploadPart(ctx, testBucket, key, "v1", uploadID, int32(i+1), strings.NewReader(chunk), -1)
						require.NoError(t, err)
						parts = append(parts, UploadPart{PartNumber: int32(i + 1), ETag: res.ETag})
					}
					if !explicit {
						parts = nil
					}
					done, err := b.CompleteMultipartUpload(ctx, testBucket, key, uploadID, "v1", parts)
					require.NoError(t, err)
					return done
				}

				explicit := run("tenant/bucket/explicit", true)
				listed := run("tenant/bucket/listed", false)
				assert.Equal(t, explicit.ETag, listed.ETag)

				for _, key := range []string{"tenant/bucket/explicit", "tenant/bucket/listed"} {
					resp, err := b.GetObject(ctx, testBucket, key, "v1", nil)
					require.NoError(t, err)
					got, _ := io.ReadAll(resp.Body)
					assert.Equal(t, "hello world", string(got))
				}
			})

			t.Run("zero parts completes as an empty object", func(t *testing.T) {
				b := bc.new(t)
				ctx := context.Background()
				key := "tenant/bucket/empty.bin"

				uploadID, err := b.CreateMultipartUpload(ctx, testBucket, key, "v1", "text/plain", "no-cache")
				require.NoError(t, err)

				done, err := b.CompleteMultipartUpload(ctx, testBucket, key, uploadID, "v1", nil)
				require.NoError(t, err)
				assert.Equal(t, "bucket", done.Bucket)
				assert.Equal(t, "empty.bin", done.Location)
				assert.Equal(t, 0, bc.uploads(b))

				md, err := b.HeadObject(ctx, testBucket, key, "v1")
				require.NoError(t, err)
				assert.EqualValues(t, 0, md.ContentLength)
				assert.Equal(t, "text/plain", md.ContentType)
			})

			t.Run("abort discards the upload", func(t *testing.T) {
				b := bc.new(t)
				ctx := context.Background()
				uploadID, err := b.CreateMultipartUpload(ctx, testBucket, "tenant/bucket/aborted", "v1", "", "")
				require.NoError(t, err)
				_, err = b.UploadPart(ctx, testBucket, "tenant/bucket/aborted", "v1", uploadID, 1, strings.NewReader("x"), 1)
				require.NoError(t, err)

				require.NoError(t, b.AbortMultipartUpload(ctx, testBucket, "tenant/bucket/aborted", uploadID, "v1"))
				assert.Equal(t, 0, bc.uploads(b))
				_, err = b.HeadObject(ctx, testBucket, "tenant/bucket/aborted", "v1")
				assert.True(t, storerr.IsNotFound(err))
			})

			t.Run("private url carries the expiry", func(t *testing.T) {
				b := bc.new(t)
				url, err := b.PrivateAssetURL(context.Background(), testBucket, "tenant/bucket/k", "v1")
				require.NoError(t, err)
				assert.Contains(t, url, "X-Amz-Expires=600")
			})
		})
	}
}
