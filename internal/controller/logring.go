package controller

import (
	"sync"
	"time"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

const logRingCap = 200

// logRing keeps the last logRingCap lines of a model's combined output.
type logRing struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	next    int
	full    bool
}

func newLogRing() *logRing {
	return &logRing{entries: make([]domain.LogEntry, logRingCap)}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = domain.LogEntry{Timestamp: time.Now(), Message: line}
	r.next = (r.next + 1) % logRingCap
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns the retained lines, oldest first.
func (r *logRing) Entries() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]domain.LogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]domain.LogEntry, 0, logRingCap)
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
