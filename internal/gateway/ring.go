package gateway

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// logRing is a fixed-capacity ring buffer of recent log lines, tapped onto
// the package-wide logrus logger via logHook, backing `/logz`.
type logRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{lines: make([]string, capacity), cap: capacity}
}

func (r *logRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap == 0 {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the ring's contents, oldest first.
func (r *logRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, r.cap)
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// logHook is a logrus.Hook that mirrors every formatted entry into a
// logRing, grounded on the teacher's pattern of tapping fs.LogPrint through
// a ring for `rc` cache-style introspection endpoints.
type logHook struct {
	ring *logRing
}

func newLogHook(ring *logRing) *logHook { return &logHook{ring: ring} }

func (h *logHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *logHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	h.ring.add(line)
	return nil
}

// errorNotice is one entry in the `/errorz` ring, per SPEC_FULL.md's
// SUPPLEMENTED FEATURES "Error-notice JSON on /errorz".
type errorNotice struct {
	Time    time.Time `json:"time"`
	TraceID string    `json:"trace_id"`
	Marker  string    `json:"marker,omitempty"`
	Message string    `json:"message"`
}

type errorRing struct {
	mu      sync.Mutex
	notices []errorNotice
	cap     int
}

func newErrorRing(capacity int) *errorRing {
	return &errorRing{cap: capacity}
}

func (r *errorRing) add(n errorNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	if len(r.notices) > r.cap {
		r.notices = r.notices[len(r.notices)-r.cap:]
	}
}

func (r *errorRing) snapshot() []errorNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]errorNotice, len(r.notices))
	copy(out, r.notices)
	return out
}
