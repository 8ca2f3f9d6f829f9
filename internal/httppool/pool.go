// Package httppool provides instrumented keep-alive HTTP connection pools for
// the remote storage clients.
//
// Every pool owns two transports, one for plain ("http") and one for
// encrypted ("https") endpoints, and counts busy sockets, free sockets,
// pending requests and socket errors per transport. A Sampler periodically
// publishes those counters as Prometheus gauges.
package httppool

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"

	"github.com/bleepstore/tenantstore/internal/metrics"
)

// Default pool settings.
const (
	DefaultMaxSockets        = 200
	DefaultKeepAlive         = 1 * time.Second
	DefaultFreeSocketTimeout = 15 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
)

// Options configures a Pool.
type Options struct {
	// MaxSockets bounds the number of sockets per host and transport.
	MaxSockets int
	// KeepAlive is the TCP keep-alive interval.
	KeepAlive time.Duration
	// FreeSocketTimeout closes idle sockets after this long.
	FreeSocketTimeout time.Duration
	// ConnectTimeout bounds socket establishment.
	ConnectTimeout time.Duration
	// TLSConfig overrides the TLS settings of the encrypted transport.
	TLSConfig *tls.Config
	// Sampler publishes the pool's counters. Nil uses DefaultSampler.
	Sampler *Sampler
}

func (o *Options) applyDefaults() {
	if o.MaxSockets <= 0 {
		o.MaxSockets = DefaultMaxSockets
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.FreeSocketTimeout <= 0 {
		o.FreeSocketTimeout = DefaultFreeSocketTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Sampler == nil {
		o.Sampler = DefaultSampler
	}
}

// Pool is a named pair of keep-alive transports. It implements
// http.RoundTripper and routes each request by URL scheme.
type Pool struct {
	name   string
	region string

	plain     *transport
	encrypted *transport

	stopWatch func()
	closeOnce sync.Once
}

// New creates a pool and registers it with the configured sampler.
func New(name, region string, opts Options) *Pool {
	opts.applyDefaults()

	p := &Pool{
		name:      name,
		region:    region,
		plain:     newTransport("http", opts),
		encrypted: newTransport("https", opts),
	}

	if p.encrypted != nil {
		p.stopWatch = opts.Sampler.Watch(p)
	}
	return p
}

// Name returns the pool name used as the metrics "name" label.
func (p *Pool) Name() string {
	return p.name
}

// RoundTrip implements http.RoundTripper.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL != nil && req.URL.Scheme == "http" {
		return p.plain.RoundTrip(req)
	}
	return p.encrypted.RoundTrip(req)
}

// Client returns an HTTP client backed by this pool. A zero timeout means
// requests never time out. The timeout bounds the time until response headers
// arrive; response bodies may stream for as long as the caller reads them.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	var rt http.RoundTripper = p
	if timeout > 0 {
		rt = &timeoutRoundTripper{next: p, timeout: timeout}
	}
	return &http.Client{Transport: rt}
}

// Status returns the current counters of the named transport ("http" or "https").
func (p *Pool) Status(protocol string) metrics.PoolStatus {
	if protocol == "http" {
		return p.plain.status()
	}
	return p.encrypted.status()
}

// Sample publishes the current counters of both transports.
func (p *Pool) Sample() {
	metrics.SetPoolStatus(p.name, p.region, "http", p.plain.status())
	metrics.SetPoolStatus(p.name, p.region, "https", p.encrypted.status())
}

// Close stops sampling and closes idle sockets. In-flight requests finish on
// their own sockets.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		if p.stopWatch != nil {
			p.stopWatch()
		}
		p.plain.base.CloseIdleConnections()
		p.encrypted.base.CloseIdleConnections()
	})
}

// transport wraps one *http.Transport with socket and request counters.
// Counters are updated atomically and read without locking.
type transport struct {
	protocol string
	base     *http.Transport

	open          atomic.Int64
	busy          atomic.Int64
	pending       atomic.Int64
	socketErrors  atomic.Int64
	timeoutErrors atomic.Int64
	connectErrors atomic.Int64
}

func newTransport(protocol string, opts Options) *transport {
	t := &transport{protocol: protocol}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: opts.KeepAlive,
	}

	// Start from the AWS SDK transport defaults (TLS 1.2 minimum, proxy from
	// environment, expect-continue timeout) and size it as a bounded pool.
	base := awshttp.NewBuildableClient().GetTransport()
	base.DialContext = t.dial(dialer)
	base.MaxConnsPerHost = opts.MaxSockets
	base.MaxIdleConnsPerHost = opts.MaxSockets
	base.MaxIdleConns = 0
	base.IdleConnTimeout = opts.FreeSocketTimeout
	base.DisableKeepAlives = false
	if protocol == "https" && opts.TLSConfig != nil {
		base.TLSClientConfig = opts.TLSConfig.Clone()
	}
	t.base = base
	return t
}

func (t *transport) dial(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			if isTimeout(err) {
				t.timeoutErrors.Add(1)
			} else {
				t.connectErrors.Add(1)
			}
			return nil, err
		}
		t.open.Add(1)
		return &trackedConn{Conn: conn, t: t}, nil
	}
}

func (t *transport) recordIOError(err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	if isTimeout(err) {
		t.timeoutErrors.Add(1)
		return
	}
	t.socketErrors.Add(1)
}

func (t *transport) status() metrics.PoolStatus {
	busy := t.busy.Load()
	free := t.open.Load() - busy
	if free < 0 {
		free = 0
	}
	return metrics.PoolStatus{
		BusySockets:     busy,
		FreeSockets:     free,
		PendingRequests: t.pending.Load(),
		SocketErrors:    t.socketErrors.Load(),
		TimeoutErrors:   t.timeoutErrors.Load(),
		ConnectErrors:   t.connectErrors.Load(),
	}
}

// Request lifecycle states.
const (
	statePending int32 = iota
	stateBusy
	stateDone
)

// RoundTrip counts the request as pending until a socket is assigned and as
// busy until its response body is closed or fully read.
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var state atomic.Int32
	t.pending.Add(1)

	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			if state.CompareAndSwap(statePending, stateBusy) {
				t.pending.Add(-1)
				t.busy.Add(1)
			}
		},
	}
	release := func() {
		if state.CompareAndSwap(statePending, stateDone) {
			t.pending.Add(-1)
		} else if state.CompareAndSwap(stateBusy, stateDone) {
			t.busy.Add(-1)
		}
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		release()
		return resp, nil
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// trackedConn counts socket closes and I/O errors.
type trackedConn struct {
	net.Conn
	t      *transport
	closed atomic.Bool
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.t.recordIOError(err)
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.t.recordIOError(err)
	}
	return n, err
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.t.open.Add(-1)
	}
	return c.Conn.Close()
}

// releasingBody runs release once, on EOF or Close.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// timeoutRoundTripper cancels a request whose response headers have not
// arrived within timeout.
type timeoutRoundTripper struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (rt *timeoutRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(rt.timeout, cancel)

	resp, err := rt.next.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() && err != nil && errors.Is(ctx.Err(), context.Canceled) && req.Context().Err() == nil {
		cancel()
		return nil, &timeoutError{err: err, timeout: rt.timeout}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		return resp, nil
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// timeoutError reports a request timeout as a net.Error.
type timeoutError struct {
	err     error
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return "request timed out after " + e.timeout.String() + ": " + e.err.Error()
}

func (e *timeoutError) Unwrap() error   { return context.DeadlineExceeded }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
