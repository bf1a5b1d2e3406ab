package kv

import (
	"sort"
	"strings"
	"time"
)

// txnView is an immutable copy of the parts of a Transaction that conflict
// detection reads. Building it once per validation keeps the checks free of
// locking and of hidden state.
type txnView struct {
	tx       *Transaction
	id       string
	state    TxnState
	level    IsolationLevel
	start    time.Time
	end      time.Time
	readSet  map[string]struct{}
	writeSet map[string]struct{}
	snapshot map[string]any
	writes   []*Operation
}

func (v *txnView) reads(key string) bool {
	_, ok := v.readSet[key]
	return ok
}

func (v *txnView) wrote(key string) bool {
	_, ok := v.writeSet[key]
	return ok
}

// startedAfter is false unless both transactions have begun.
func (v *txnView) startedAfter(other *txnView) bool {
	if v.start.IsZero() || other.start.IsZero() {
		return false
	}
	return v.start.After(other.start)
}

// IsolationValidator decides whether a transaction may commit given every
// other transaction in the registry. It keeps no state between calls.
type IsolationValidator struct {
	analyzer KeyRelationshipAnalyzer
	clock    Clock
}

func NewIsolationValidator(analyzer KeyRelationshipAnalyzer, clock Clock) *IsolationValidator {
	if analyzer == nil {
		analyzer = NopAnalyzer{}
	}
	if clock == nil {
		clock = WallClock()
	}
	return &IsolationValidator{analyzer: analyzer, clock: clock}
}

// ValidateIsolation returns a *TransactionError describing the first conflict
// between tx and the other members of all under tx's isolation level.
func (v *IsolationValidator) ValidateIsolation(tx *Transaction, all []*Transaction) error {
	self := tx.view()
	others := make([]*txnView, 0, len(all))
	for _, o := range all {
		if o == nil || o == tx || o.ID() == self.id {
			continue
		}
		others = append(others, o.view())
	}
	sort.Slice(others, func(i, j int) bool { return others[i].id < others[j].id })

	switch self.level {
	case ReadUncommitted:
		return nil
	case ReadCommitted:
		return v.validateReadCommitted(self, others)
	case RepeatableRead:
		return v.validateRepeatableRead(self, others)
	case Serializable:
		return v.validateSerializable(self, others)
	}
	return newTxnError(self.id, OpIsolation, "unknown isolation level %d", int(self.level))
}

func (v *IsolationValidator) validateReadCommitted(self *txnView, others []*txnView) error {
	for _, key := range sortedKeys(self.writeSet) {
		if ids := findConflictingWrites(self, key, others); len(ids) > 0 {
			return newTxnError(self.id, OpWriteConflict,
				"write-write conflict on key %q with active transaction(s) %s", key, strings.Join(ids, ", "))
		}
	}
	return nil
}

func (v *IsolationValidator) validateRepeatableRead(self *txnView, others []*txnView) error {
	if err := v.validateReadCommitted(self, others); err != nil {
		return err
	}

	now := v.clock.Now()
	for _, key := range sortedKeys(self.readSet) {
		if id, ok := hasReadSetConflict(self, key, others, now); ok {
			return newTxnError(self.id, OpRepeatableRead,
				"repeatable read violation: key %q was modified by committed transaction %s", key, id)
		}
	}

	for _, skey := range sortedKeys(self.snapshot) {
		if id, ok := hasPhantomConflict(v.analyzer, self, skey, self.snapshot[skey], others); ok {
			return newTxnError(self.id, OpPhantomRead,
				"phantom read detected: snapshot %q affected by transaction %s", skey, id)
		}
	}
	return nil
}

func (v *IsolationValidator) validateSerializable(self *txnView, others []*txnView) error {
	if err := v.validateRepeatableRead(self, others); err != nil {
		return err
	}

	for _, other := range others {
		if other.state == StateAborted || !transactionsOverlap(self, other) {
			continue
		}
		if keys := findConflictingWritesToRead(self, other); len(keys) > 0 {
			return newTxnError(self.id, OpSerialization,
				"serialization conflict: read key %q written by concurrent transaction %s", keys[0], other.id)
		}
		if keys := findConflictingReadsToWrite(self, other); len(keys) > 0 {
			return newTxnError(self.id, OpSerialization,
				"serialization conflict: wrote key %q read by concurrent transaction %s", keys[0], other.id)
		}
		// A dependency cycle needs self to read a key other wrote, which the
		// read check above already reports as a serialization conflict. Only
		// write skew can surface here.
		switch hasSnapshotConflict(v.analyzer, self, other) {
		case OpWriteSkew:
			return newTxnError(self.id, OpWriteSkew,
				"write skew detected with concurrent transaction %s", other.id)
		case OpDependencyCycle:
			return newTxnError(self.id, OpDependencyCycle,
				"dependency cycle detected with concurrent transaction %s", other.id)
		}
	}
	return nil
}

// findConflictingWrites lists the active transactions other than self that
// wrote key.
func findConflictingWrites(self *txnView, key string, others []*txnView) []string {
	var ids []string
	for _, o := range others {
		if o.id == self.id || o.state != StateActive {
			continue
		}
		if o.wrote(key) {
			ids = append(ids, o.id)
		}
	}
	return ids
}

// findConflictingWritesToRead lists keys self read that other wrote.
func findConflictingWritesToRead(self, other *txnView) []string {
	var keys []string
	for _, key := range sortedKeys(self.readSet) {
		if other.wrote(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// findConflictingReadsToWrite lists keys self wrote that other read.
func findConflictingReadsToWrite(self, other *txnView) []string {
	var keys []string
	for _, key := range sortedKeys(self.writeSet) {
		if other.reads(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// hasReadSetConflict looks for a transaction that started after self, wrote
// key and committed no later than now.
func hasReadSetConflict(self *txnView, key string, others []*txnView, now time.Time) (string, bool) {
	for _, o := range others {
		if o.state != StateCommitted || !o.startedAfter(self) || !o.wrote(key) {
			continue
		}
		if o.end.IsZero() || o.end.After(now) {
			continue
		}
		return o.id, true
	}
	return "", false
}

// hasPhantomConflict looks for a transaction started after self whose log
// holds a write that lands on, or inside, the snapshot entry.
func hasPhantomConflict(analyzer KeyRelationshipAnalyzer, self *txnView, snapshotKey string, captured any, others []*txnView) (string, bool) {
	for _, o := range others {
		if o.state == StateAborted || !o.startedAfter(self) {
			continue
		}
		for _, op := range o.writes {
			if op.key == snapshotKey || analyzer.IsKeyInSnapshotRange(self.tx, op.key, snapshotKey, captured) {
				return o.id, true
			}
		}
	}
	return "", false
}

// hasSnapshotConflict returns OpWriteSkew or OpDependencyCycle when the pair
// shows that anomaly, or "" otherwise.
func hasSnapshotConflict(analyzer KeyRelationshipAnalyzer, self, other *txnView) string {
	if hasWriteSkewAnomaly(analyzer, self, other) {
		return OpWriteSkew
	}
	if hasDependencyCycle(self, other) {
		return OpDependencyCycle
	}
	return ""
}

// hasWriteSkewAnomaly: both sides write, their write sets are disjoint, and
// they read related keys.
func hasWriteSkewAnomaly(analyzer KeyRelationshipAnalyzer, a, b *txnView) bool {
	if len(a.writeSet) == 0 || len(b.writeSet) == 0 {
		return false
	}
	for key := range a.writeSet {
		if b.wrote(key) {
			return false
		}
	}
	for ra := range a.readSet {
		for rb := range b.readSet {
			if analyzer.AreKeysRelated(ra, rb) {
				return true
			}
		}
	}
	return false
}

func hasDependencyCycle(a, b *txnView) bool {
	return readsOtherWrites(a, b) && readsOtherWrites(b, a)
}

// readsOtherWrites reports whether reader read any key writer wrote.
func readsOtherWrites(reader, writer *txnView) bool {
	for key := range reader.readSet {
		if writer.wrote(key) {
			return true
		}
	}
	return false
}

// transactionsOverlap compares the windows [start, end) with a missing end
// treated as unbounded. Transactions that never began overlap nothing.
func transactionsOverlap(a, b *txnView) bool {
	if a.start.IsZero() || b.start.IsZero() {
		return false
	}
	return beforeEnd(a.start, b.end) && beforeEnd(b.start, a.end)
}

func beforeEnd(start, end time.Time) bool {
	return end.IsZero() || start.Before(end)
}
