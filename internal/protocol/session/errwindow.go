package session

import (
	"sync"
	"time"
)

// errorWindow counts connection-scoped frame errors over a sliding window.
type errorWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   []time.Time
}

func newErrorWindow(max int, window time.Duration) *errorWindow {
	return &errorWindow{max: max, window: window}
}

// Record adds one error at now and reports whether the count within the
// window exceeds the limit.
func (w *errorWindow) Record(now time.Time) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.window)
	keep := w.hits[:0]
	for _, at := range w.hits {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	w.hits = append(keep, now)
	if w.max < 0 {
		return len(w.hits), false
	}
	return len(w.hits), len(w.hits) > w.max
}
