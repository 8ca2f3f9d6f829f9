package httppool

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/tenantstore/internal/metrics"
)

func newTestPool(t *testing.T, name string, opts Options) (*Pool, *Sampler) {
	t.Helper()
	sampler := NewSampler(10 * time.Millisecond)
	opts.Sampler = sampler
	p := New(name, "local", opts)
	t.Cleanup(func() {
		p.Close()
		sampler.Stop()
	})
	return p, sampler
}

func TestPoolPlainRequestReleasesSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	p, _ := newTestPool(t, "test_plain", Options{MaxSockets: 4})

	resp, err := p.Client(0).Get(srv.URL)
	require.NoError(t, err)

	during := p.Status("http")
	assert.EqualValues(t, 1, during.BusySockets)
	assert.EqualValues(t, 0, during.PendingRequests)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "hello", string(body))

	after := p.Status("http")
	assert.EqualValues(t, 0, after.BusySockets)
	assert.EqualValues(t, 1, after.FreeSockets)
	assert.EqualValues(t, 0, after.PendingRequests)

	// The encrypted transport was never used.
	assert.Equal(t, metrics.PoolStatus{}, p.Status("https"))
}

func TestPoolEncryptedTransport(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tlsCfg := srv.Client().Transport.(*http.Transport).TLSClientConfig
	p, _ := newTestPool(t, "test_tls", Options{TLSConfig: tlsCfg})

	resp, err := p.Client(time.Second).Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	st := p.Status("https")
	assert.EqualValues(t, 0, st.BusySockets)
	assert.EqualValues(t, 1, st.FreeSockets)
	assert.Equal(t, metrics.PoolStatus{}, p.Status("http"))
}

func TestPoolConnectErrorCounted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := newTestPool(t, "test_connect_err", Options{})

	_, err := p.Client(0).Get(url)
	require.Error(t, err)

	st := p.Status("http")
	assert.EqualValues(t, 1, st.ConnectErrors+st.TimeoutErrors)
	assert.EqualValues(t, 0, st.PendingRequests)
	assert.EqualValues(t, 0, st.BusySockets)
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := newTestPool(t, "test_timeout", Options{})

	_, err := p.Client(20 * time.Millisecond).Get(srv.URL)
	require.Error(t, err)
	assert.True(t, isTimeout(err), "expected a timeout error, got %v", err)
}

func TestSamplerPublishesGauges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	p, sampler := newTestPool(t, "test_sampler", Options{})
	assert.Equal(t, 1, sampler.Len())

	resp, err := p.Client(0).Get(srv.URL)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.HTTPPoolFreeSockets.WithLabelValues("test_sampler", "local", "http")) == 1
	}, time.Second, 5*time.Millisecond)

	sampler.Stop()
	assert.Equal(t, 0, sampler.Len())
}

func TestPoolCloseStopsWatcher(t *testing.T) {
	sampler := NewSampler(time.Hour)
	defer sampler.Stop()

	p := New("test_close", "local", Options{Sampler: sampler})
	assert.Equal(t, 1, sampler.Len())
	p.Close()
	p.Close()
	assert.Equal(t, 0, sampler.Len())
}

func TestLazySharedPool(t *testing.T) {
	sampler := NewSampler(time.Hour)
	defer sampler.Stop()

	l := NewLazy("s3_worker", "local", Options{Sampler: sampler})
	first := l.Get()
	assert.Same(t, first, l.Get())
	assert.Equal(t, "s3_worker", first.Name())
	assert.Equal(t, 1, sampler.Len())

	l.Close()
	assert.Equal(t, 0, sampler.Len())
	assert.NotSame(t, first, l.Get())
	l.Close()
}
