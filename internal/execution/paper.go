package execution

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Paper is the paper-trading client: admitted orders are appended to a
// JSONL outbox instead of being sent to an exchange. The file doubles as
// an audit trail of everything the gate let through.
type Paper struct {
	mu   sync.Mutex
	path string
}

func NewPaper(path string) (*Paper, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Paper{path: path}, nil
}

type outboxEntry struct {
	Type      string    `json:"type"`
	Order     Order     `json:"order"`
	WrittenAt time.Time `json:"written_at"`
}

func (p *Paper) Submit(_ context.Context, o Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := json.Marshal(outboxEntry{Type: "order", Order: o, WrittenAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}
