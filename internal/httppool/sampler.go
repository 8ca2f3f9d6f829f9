package httppool

import (
	"sync"
	"time"
)

// DefaultSampleInterval is how often pool counters are published.
const DefaultSampleInterval = 5 * time.Second

// DefaultSampler is the process-wide sampler used by pools created without an
// explicit one. The process must call StopWatchers on termination.
var DefaultSampler = NewSampler(DefaultSampleInterval)

// StopWatchers stops every watcher registered on DefaultSampler.
func StopWatchers() {
	DefaultSampler.Stop()
}

// Sampler periodically publishes the counters of registered pools.
type Sampler struct {
	interval time.Duration

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
	wg       sync.WaitGroup
}

// NewSampler creates a sampler that ticks every interval.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		interval: interval,
		watchers: make(map[int]chan struct{}),
	}
}

// Watch starts sampling p and returns a function that stops it. The returned
// function is safe to call more than once.
func (s *Sampler) Watch(p *Pool) func() {
	stop := make(chan struct{})

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.Sample()
			}
		}
	}()

	return func() { s.unwatch(id) }
}

// Len returns the number of active watchers.
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Sampler) unwatch(id int) {
	s.mu.Lock()
	stop, ok := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Stop cancels all watchers and waits for them to exit. Pools watched after
// Stop are sampled again until the next Stop.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stops := s.watchers
	s.watchers = make(map[int]chan struct{})
	s.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	s.wg.Wait()
}
