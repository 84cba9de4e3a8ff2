package batch

import "sync"

// HistoryCollector keeps a bounded window of recent transitions.
type HistoryCollector struct {
	windowSize  int
	transitions []Transition
	mu          sync.Mutex
}

// NewHistoryCollector creates a collector that retains at most windowSize transitions.
func NewHistoryCollector(windowSize int) *HistoryCollector {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &HistoryCollector{
		windowSize:  windowSize,
		transitions: make([]Transition, 0, windowSize),
	}
}

// Record appends a transition, dropping the oldest when full.
func (hc *HistoryCollector) Record(t Transition) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if len(hc.transitions) >= hc.windowSize {
		// Shift elements left, drop oldest
		copy(hc.transitions, hc.transitions[1:])
		hc.transitions[len(hc.transitions)-1] = t
		return
	}
	hc.transitions = append(hc.transitions, t)
}

// Recent returns a copy of the retained transitions, oldest first.
func (hc *HistoryCollector) Recent() []Transition {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	out := make([]Transition, len(hc.transitions))
	copy(out, hc.transitions)
	return out
}
