package kv

import (
	"sync"
	"time"
)

type txnTotals struct {
	mu            sync.Mutex
	total         uint64
	committed     uint64
	aborted       uint64
	conflicts     uint64
	finished      uint64
	totalDuration time.Duration
	maxDuration   time.Duration
}

func (t *txnTotals) onBegin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
}

func (t *txnTotals) onCommit(tx *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed++
	t.finishLocked(tx)
}

func (t *txnTotals) onAbort(tx *Transaction, conflict bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted++
	if conflict {
		t.conflicts++
	}
	t.finishLocked(tx)
}

func (t *txnTotals) finishLocked(tx *Transaction) {
	d, ok := tx.Duration()
	if !ok {
		return
	}
	t.finished++
	t.totalDuration += d
	if d > t.maxDuration {
		t.maxDuration = d
	}
}

// ManagerStats merges the manager's own totals with figures supplied by the
// caller. ActiveTransactions is whatever the caller passed in, because the
// registry, not a counter, decides what is active.
type ManagerStats struct {
	TotalTransactions     uint64        `json:"totalTransactions"`
	CommittedTransactions uint64        `json:"committedTransactions"`
	AbortedTransactions   uint64        `json:"abortedTransactions"`
	ConflictAborts        uint64        `json:"conflictAborts"`
	ActiveTransactions    int           `json:"activeTransactions"`
	TransactionCounter    uint64        `json:"transactionCounter"`
	TotalDuration         time.Duration `json:"totalDuration"`
	AverageDuration       time.Duration `json:"averageDuration"`
	MaxDuration           time.Duration `json:"maxDuration"`
	LockStats             any           `json:"lockStats"`
}

func (m *TransactionManager) Stats(lockStats any, activeCount int, transactionCounter uint64) ManagerStats {
	m.totals.mu.Lock()
	defer m.totals.mu.Unlock()

	st := ManagerStats{
		TotalTransactions:     m.totals.total,
		CommittedTransactions: m.totals.committed,
		AbortedTransactions:   m.totals.aborted,
		ConflictAborts:        m.totals.conflicts,
		ActiveTransactions:    activeCount,
		TransactionCounter:    transactionCounter,
		TotalDuration:         m.totals.totalDuration,
		MaxDuration:           m.totals.maxDuration,
		LockStats:             lockStats,
	}
	if m.totals.finished > 0 {
		st.AverageDuration = m.totals.totalDuration / time.Duration(m.totals.finished)
	}
	return st
}
