package httppool

import "sync"

// Lazy holds a pool that is created on first use and shared by every caller
// until Close. Worker-originated backends share one Lazy so that events for
// many tenants reuse the same sockets.
type Lazy struct {
	name   string
	region string
	opts   Options

	mu   sync.Mutex
	pool *Pool
}

// NewLazy returns a Lazy that will create its pool with the given settings.
func NewLazy(name, region string, opts Options) *Lazy {
	return &Lazy{name: name, region: region, opts: opts}
}

// Get returns the shared pool, creating it exactly once.
func (l *Lazy) Get() *Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		l.pool = New(l.name, l.region, l.opts)
	}
	return l.pool
}

// Close closes the shared pool if it was created. A later Get creates a new
// pool.
func (l *Lazy) Close() {
	l.mu.Lock()
	p := l.pool
	l.pool = nil
	l.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
