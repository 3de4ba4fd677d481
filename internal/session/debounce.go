package session

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a transcript is re-read.
const DefaultDebounce = 100 * time.Millisecond

type pending[P any] struct {
	timer  *time.Timer
	params P
	gen    uint64
}

// Debouncer coalesces bursts of triggers per key. A trigger inside the window
// restarts it, and the callback sees only the latest trigger's params.
type Debouncer[P any] struct {
	delay time.Duration
	fn    func(Key, P)

	mu      sync.Mutex
	pending map[Key]*pending[P]
	stopped bool
}

func NewDebouncer[P any](delay time.Duration, fn func(Key, P)) *Debouncer[P] {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer[P]{delay: delay, fn: fn, pending: make(map[Key]*pending[P])}
}

func (d *Debouncer[P]) Trigger(key Key, params P) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	p, ok := d.pending[key]
	if !ok {
		p = &pending[P]{}
		d.pending[key] = p
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.params = params
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(d.delay, func() { d.fire(key, gen) })
}

func (d *Debouncer[P]) fire(key Key, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	params := p.params
	d.mu.Unlock()
	d.fn(key, params)
}

// Cancel drops a pending trigger for key.
func (d *Debouncer[P]) Cancel(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels everything; later triggers are ignored.
func (d *Debouncer[P]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
	}
}
