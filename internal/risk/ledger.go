package risk

import (
	"sync"
)

// Ledger tracks reserved exposure (sum of per-position max loss) against
// the account-level cap. Reserve is an atomic check-then-commit: two
// concurrent approvals can never over-commit capital. The cap is the one
// risk control that no override bypasses.
type Ledger struct {
	mu       sync.Mutex
	cap      float64
	reserved float64
	bySignal map[string]float64
}

// NewLedger builds a ledger with the given account cap. A cap of zero or
// less disables the check.
func NewLedger(cap float64) *Ledger {
	return &Ledger{cap: cap, bySignal: make(map[string]float64)}
}

// Reserve commits amount against the cap for a signal. It returns false,
// reserving nothing, when the commit would breach the cap.
func (l *Ledger) Reserve(signalID string, amount float64) bool {
	if amount < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.bySignal[signalID]; dup {
		return false
	}
	if l.cap > 0 && l.reserved+amount > l.cap {
		return false
	}
	l.reserved += amount
	l.bySignal[signalID] = amount
	return true
}

// Release frees the reservation held for a signal. Releasing an unknown
// signal is a no-op, so cancel paths can release unconditionally.
func (l *Ledger) Release(signalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amt, ok := l.bySignal[signalID]; ok {
		l.reserved -= amt
		delete(l.bySignal, signalID)
	}
}

// Reserved returns the current total reserved exposure.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Cap returns the configured account cap.
func (l *Ledger) Cap() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap
}
