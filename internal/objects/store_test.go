package objects

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/tenantstore/internal/catalog"
	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/storage"
)

const testBucket = "storage"

func newTestStore(t *testing.T) (*Store, *storage.MemoryBackend, *catalog.SQLCatalog) {
	t.Helper()
	db, err := catalog.Open(context.Background(), catalog.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	backend := storage.NewMemoryBackend(0)
	s := New("t1", backend, db, testBucket)
	t.Cleanup(func() { s.Close() })
	return s, backend, db
}

func readBody(t *testing.T, resp *storage.ObjectResponse) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestUploadRecordsNewVersion(t *testing.T) {
	s, backend, db := newTestStore(t)
	ctx := context.Background()

	first, err := s.UploadObject(ctx, "avatars", "me.png", strings.NewReader("v1 data"), "image/png", "max-age=60", "user-1")
	require.NoError(t, err)
	second, err := s.UploadObject(ctx, "avatars", "me.png", strings.NewReader("v2 data!"), "image/png", "max-age=60", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)

	row, err := db.FindObject(ctx, "avatars", "me.png")
	require.NoError(t, err)
	assert.Equal(t, second.Version, row.Version)

	var md Metadata
	require.NoError(t, json.Unmarshal(row.Metadata, &md))
	assert.EqualValues(t, 8, md.Size)
	assert.Equal(t, "image/png", md.Mimetype)

	resp, err := s.GetObject(ctx, "avatars", "me.png", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2 data!", readBody(t, resp))

	// The previous version remains in the backend until an admin delete.
	_, err = backend.HeadObject(ctx, testBucket, "t1/avatars/me.png", first.Version)
	require.NoError(t, err)
	require.NoError(t, s.AdminDelete(ctx, "avatars", "me.png", []string{first.Version}))
	_, err = backend.HeadObject(ctx, testBucket, "t1/avatars/me.png", first.Version)
	assert.True(t, storerr.IsNotFound(err))
}

func TestUploadCancelledRecordsNothing(t *testing.T) {
	s, _, db := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.UploadObject(ctx, "b", "k", strings.NewReader("data"), "", "", "")
	require.Error(t, err)
	assert.True(t, storerr.IsCancelled(err))

	_, err = db.FindObject(context.Background(), "b", "k")
	assert.True(t, storerr.IsNotFound(err))
}

type failingDB struct {
	catalog.DB
}

func (failingDB) UpsertObject(ctx context.Context, obj *catalog.Object) error {
	return errors.New("catalog unavailable")
}

func TestUploadDiscardsVersionWhenCatalogFails(t *testing.T) {
	_, backend, db := newTestStore(t)
	s := New("t1", backend, failingDB{DB: db}, testBucket)
	ctx := context.Background()

	_, err := s.UploadObject(ctx, "b", "k", strings.NewReader("data"), "", "", "")
	require.Error(t, err)
	assert.EqualValues(t, 0, backend.Size())
}

func TestHeadAndSignedURL(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	obj, err := s.UploadObject(ctx, "docs", "a.pdf", strings.NewReader("pdf"), "application/pdf", "no-cache", "")
	require.NoError(t, err)

	md, err := s.HeadObject(ctx, "docs", "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", md.ContentType)

	url, err := s.SignedURL(ctx, "docs", "a.pdf")
	require.NoError(t, err)
	assert.Contains(t, url, "t1/docs/a.pdf/"+obj.Version)

	_, err = s.HeadObject(ctx, "docs", "missing.pdf")
	assert.True(t, storerr.IsNotFound(err))
}

func TestDeleteObjects(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.UploadObject(ctx, "bkt", name, strings.NewReader(name), "", "", "")
		require.NoError(t, err)
	}

	deleted, err := s.DeleteObjects(ctx, "bkt", []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	_, err = s.HeadObject(ctx, "bkt", "a")
	assert.True(t, storerr.IsNotFound(err))
	assert.EqualValues(t, 1, backend.Size())

	one, err := s.DeleteObject(ctx, "bkt", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", one.Name)
	assert.EqualValues(t, 0, backend.Size())

	// Zero names is a no-op.
	none, err := s.DeleteObjects(ctx, "bkt", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCopyObject(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	src, err := s.UploadObject(ctx, "b", "src", strings.NewReader("copy"), "text/plain", "no-cache", "")
	require.NoError(t, err)

	dst, err := s.CopyObject(ctx, "b", "src", "b2", "dst", "user-2", &storage.CopyConditions{IfMatch: src.Metadata.ETag})
	require.NoError(t, err)
	assert.NotEqual(t, src.Version, dst.Version)
	assert.Equal(t, src.Metadata.ETag, dst.Metadata.ETag)

	resp, err := s.GetObject(ctx, "b2", "dst", nil)
	require.NoError(t, err)
	assert.Equal(t, "copy", readBody(t, resp))
}

func TestMultipartThroughStore(t *testing.T) {
	s, backend, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.UploadObject(ctx, "b", "src", strings.NewReader("0123456789"), "", "", "")
	require.NoError(t, err)

	u, err := s.CreateMultipartUpload(ctx, "b", "big", "text/plain", "no-cache")
	require.NoError(t, err)

	p1, err := s.UploadPart(ctx, u, 1, strings.NewReader("head-"), 5)
	require.NoError(t, err)
	p2, err := s.UploadPartCopy(ctx, u, 2, "b", "src", &storage.ByteRange{FromByte: 0, ToByte: 3})
	require.NoError(t, err)

	obj, err := s.CompleteMultipartUpload(ctx, u, []storage.UploadPart{
		{PartNumber: 2, ETag: p2.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, u.Version, obj.Version)

	row, err := db.FindObject(ctx, "b", "big")
	require.NoError(t, err)
	assert.Equal(t, u.Version, row.Version)

	resp, err := s.GetObject(ctx, "b", "big", nil)
	require.NoError(t, err)
	assert.Equal(t, "head-0123", readBody(t, resp))

	aborted, err := s.CreateMultipartUpload(ctx, "b", "never", "", "")
	require.NoError(t, err)
	require.NoError(t, s.AbortMultipartUpload(ctx, aborted))
	assert.Empty(t, backend.Uploads())
}
