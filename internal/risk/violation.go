package risk

import "time"

// Severity grades a violation or alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation records a breached limit or an operator-visible alert. The
// history is append-only and capacity-bounded; callers get copies.
type Violation struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ViolationSink receives every violation for durable append-only logging.
// Implementations must not block the admission path.
type ViolationSink interface {
	Record(v Violation)
}

// nopSink is used when no journal is configured.
type nopSink struct{}

func (nopSink) Record(Violation) {}

// ring is a fixed-capacity FIFO. Oldest entries are evicted first once the
// buffer is full.
type ring struct {
	buf  []Violation
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Violation, capacity)}
}

func (r *ring) push(v Violation) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.head + r.n) % len(r.buf)
	r.buf[idx] = v
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// last returns up to n most recent entries, newest first.
func (r *ring) last(n int) []Violation {
	if n > r.n {
		n = r.n
	}
	out := make([]Violation, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head + r.n - 1 - i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *ring) len() int { return r.n }
