package risk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ExposureLedger tracks current notional exposure per symbol plus the
// aggregate. Exposure never goes negative: a sell larger than the tracked
// exposure floors the symbol at zero.
//
// The ledger is not internally locked. The gate is its only writer and
// serializes every access inside its critical section, which is what keeps
// the cap check and the commit atomic with respect to each other.
type ExposureLedger struct {
	exposures map[string]decimal.Decimal
	total     decimal.Decimal
	seq       uint64 // bumped on every Apply, orders snapshot writes

	snapshotPath  string
	persistMu     sync.Mutex
	lastPersisted uint64
}

// NewExposureLedger creates an empty ledger. snapshotPath may be empty to
// disable persistence.
func NewExposureLedger(snapshotPath string) *ExposureLedger {
	return &ExposureLedger{
		exposures:    make(map[string]decimal.Decimal),
		snapshotPath: snapshotPath,
	}
}

// Exposure returns the current notional exposure for a symbol.
func (l *ExposureLedger) Exposure(symbol string) decimal.Decimal {
	return l.exposures[symbol]
}

// Total returns the aggregate notional exposure.
func (l *ExposureLedger) Total() decimal.Decimal {
	return l.total
}

// Apply adds a signed notional delta for a symbol, flooring at zero, and
// keeps the aggregate in sync. This is the only mutation path; it runs
// exactly once per admitted order.
func (l *ExposureLedger) Apply(symbol string, delta decimal.Decimal) {
	l.seq++
	cur := l.exposures[symbol]
	next := cur.Add(delta)
	if next.LessThan(decimal.Zero) {
		next = decimal.Zero
	}
	l.total = l.total.Sub(cur).Add(next)
	if next.IsZero() {
		delete(l.exposures, symbol)
	} else {
		l.exposures[symbol] = next
	}
}

// All returns a copy of the per-symbol exposures.
func (l *ExposureLedger) All() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.exposures))
	for s, e := range l.exposures {
		out[s] = e
	}
	return out
}

// Reset clears every exposure. Used by tests and operator tooling only;
// normal operation never unwinds the ledger.
func (l *ExposureLedger) Reset() {
	l.seq++
	l.exposures = make(map[string]decimal.Decimal)
	l.total = decimal.Zero
}

type ledgerSnapshot struct {
	UpdatedAt time.Time                  `json:"updated_at"`
	Exposures map[string]decimal.Decimal `json:"exposures"`
	Total     decimal.Decimal            `json:"total"`

	seq uint64
}

// Snapshot copies the exposure table. Call it where Apply is called — the
// gate's critical section — so the copy is consistent; the returned value
// can then be persisted without holding that lock.
func (l *ExposureLedger) Snapshot() ledgerSnapshot {
	exp := make(map[string]decimal.Decimal, len(l.exposures))
	for s, e := range l.exposures {
		exp[s] = e
	}
	return ledgerSnapshot{
		UpdatedAt: time.Now().UTC(),
		Exposures: exp,
		Total:     l.total,
		seq:       l.seq,
	}
}

// Persist writes a captured snapshot as JSON, atomically (temp file then
// rename). Writes are serialized and a snapshot older than the last write
// is dropped, so interleaved admissions cannot roll the file back.
func (l *ExposureLedger) Persist(snap ledgerSnapshot) error {
	if l.snapshotPath == "" {
		return nil
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if snap.seq < l.lastPersisted {
		return nil
	}
	l.lastPersisted = snap.seq
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.snapshotPath), 0o755); err != nil {
		return err
	}
	tmp := l.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.snapshotPath)
}

// Load restores the exposure table from a previous snapshot. A missing
// file is not an error; the ledger simply starts empty.
func (l *ExposureLedger) Load() error {
	if l.snapshotPath == "" {
		return nil
	}
	b, err := os.ReadFile(l.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap ledgerSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	l.exposures = snap.Exposures
	if l.exposures == nil {
		l.exposures = make(map[string]decimal.Decimal)
	}
	l.total = decimal.Zero
	for _, e := range l.exposures {
		l.total = l.total.Add(e)
	}
	return nil
}
