package cache

import "sync"

// hitWindow is a fixed-size ring of recent lookup outcomes.
type hitWindow struct {
	mu      sync.Mutex
	ring    []bool
	next    int
	samples int
	hits    int
}

func newHitWindow(size int) *hitWindow {
	if size < 1 {
		size = 1
	}
	return &hitWindow{ring: make([]bool, size)}
}

func (w *hitWindow) add(hit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == len(w.ring) {
		if w.ring[w.next] {
			w.hits--
		}
	} else {
		w.samples++
	}
	w.ring[w.next] = hit
	if hit {
		w.hits++
	}
	w.next = (w.next + 1) % len(w.ring)
}

// rate returns the hit rate and the number of samples it covers.
func (w *hitWindow) rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == 0 {
		return 0, 0
	}
	return float64(w.hits) / float64(w.samples), w.samples
}
