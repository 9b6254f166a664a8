package mandate

import (
	"sync"
	"time"
)

// LedgerEntry is one recorded debit against a mandate's budget.
type LedgerEntry struct {
	TaskID    string    `json:"task_id"`
	Cost      int64     `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// LedgerSnapshot is the immutable value form of a ledger, embedded in
// checkpoints and evidence bundles.
type LedgerSnapshot struct {
	Limit   int64         `json:"limit"`
	Unit    string        `json:"unit,omitempty"`
	Spent   int64         `json:"spent"`
	Entries []LedgerEntry `json:"entries"`
}

// BudgetLedger tracks spend against a mandate's budget limit. The entry log
// is append-only; the dispatcher is the single writer, concurrent readers
// take snapshots. Debits are strictly ordered under the mutex so they are
// never lost or double-counted.
type BudgetLedger struct {
	mu      sync.RWMutex
	limit   int64
	unit    string
	spent   int64
	entries []LedgerEntry
	clock   func() time.Time
}

// NewLedger creates an empty ledger for the given budget limit.
func NewLedger(limit int64, unit string) *BudgetLedger {
	return &BudgetLedger{limit: limit, unit: unit, clock: time.Now}
}

// RestoreLedger rebuilds a ledger from a snapshot, for checkpoint resume.
func RestoreLedger(s LedgerSnapshot) *BudgetLedger {
	l := NewLedger(s.Limit, s.Unit)
	l.spent = s.Spent
	l.entries = append([]LedgerEntry(nil), s.Entries...)
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *BudgetLedger) WithClock(clock func() time.Time) *BudgetLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

// Debit appends a spend record for taskID. The actual cost is always
// recorded, even when it pushes spend past the limit; Remaining clamps at
// zero so a negative remaining budget never persists.
func (l *BudgetLedger) Debit(taskID string, cost int64) LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := LedgerEntry{TaskID: taskID, Cost: cost, Timestamp: l.clock().UTC()}
	l.entries = append(l.entries, e)
	l.spent += cost
	return e
}

// Spent returns the total recorded spend.
func (l *BudgetLedger) Spent() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent
}

// Limit returns the budget ceiling.
func (l *BudgetLedger) Limit() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit
}

// Remaining returns the budget left, clamped at zero.
func (l *BudgetLedger) Remaining() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	remaining := l.limit - l.spent
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WouldExceed reports whether spending cost would pass the limit.
func (l *BudgetLedger) WouldExceed(cost int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent+cost > l.limit
}

// Snapshot returns a copy of the ledger state.
func (l *BudgetLedger) Snapshot() LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LedgerSnapshot{
		Limit:   l.limit,
		Unit:    l.unit,
		Spent:   l.spent,
		Entries: append([]LedgerEntry(nil), l.entries...),
	}
}
