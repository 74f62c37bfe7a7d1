// Package journal provides the append-only violation log. Entries are
// JSON lines so the file can be tailed and replayed with standard tooling.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/risk"
)

const queueCapacity = 256

type entry struct {
	RecordedAt time.Time      `json:"recorded_at"`
	Violation  risk.Violation `json:"violation"`
}

// ViolationLog appends violations to a JSONL file. Writes happen on a
// dedicated goroutine so Record never does disk I/O on the caller's path;
// appends are best-effort: a failed or dropped write is logged, never
// surfaced to the admission path.
type ViolationLog struct {
	path   string
	logger *zap.Logger

	queue     chan entry
	done      chan struct{}
	closeOnce sync.Once
}

func NewViolationLog(path string, logger *zap.Logger) (*ViolationLog, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	l := &ViolationLog{
		path:   path,
		logger: logger,
		queue:  make(chan entry, queueCapacity),
		done:   make(chan struct{}),
	}
	if path != "" {
		go l.run()
	}
	return l, nil
}

// Record implements risk.ViolationSink. It never blocks: if the buffer is
// full the entry is dropped and the drop logged.
func (l *ViolationLog) Record(v risk.Violation) {
	if l.path == "" {
		return
	}
	select {
	case l.queue <- entry{RecordedAt: time.Now().UTC(), Violation: v}:
	default:
		l.logger.Warn("violation journal buffer full, entry dropped",
			zap.String("type", v.Type))
	}
}

// Close flushes buffered entries and stops the writer. Record must not be
// called after Close.
func (l *ViolationLog) Close() {
	l.closeOnce.Do(func() {
		if l.path == "" {
			return
		}
		close(l.queue)
		<-l.done
	})
}

func (l *ViolationLog) run() {
	defer close(l.done)
	for e := range l.queue {
		l.append(e)
	}
}

func (l *ViolationLog) append(e entry) {
	b, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("violation journal marshal failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("violation journal open failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		l.logger.Warn("violation journal append failed", zap.Error(err))
	}
}
