package kv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxnState is a position in the transaction lifecycle.
// PENDING -> ACTIVE -> {COMMITTED, ABORTED}.
type TxnState int

const (
	StatePending TxnState = iota
	StateActive
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

func (s TxnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s TxnState) terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// ValidationFunc is run by Commit before the state flips to COMMITTED.
// Returning ok=false fails the commit; a non-empty reason becomes the error
// message, otherwise a generic one is used.
type ValidationFunc func(ctx context.Context, tx *Transaction) (ok bool, reason string)

// Options configure a single transaction.
type Options struct {
	// ID is generated when empty.
	ID             string
	IsolationLevel IsolationLevel
	// Timeout of zero selects the default; a negative timeout never expires.
	Timeout  time.Duration
	ReadOnly bool
	Clock    Clock
}

// Transaction is a unit of work owning an append-only operation log and the
// read, write and snapshot sets derived from it. Its mutex lets validators
// of other transactions read it while the owner appends.
type Transaction struct {
	mu sync.RWMutex

	id             string
	isolationLevel IsolationLevel
	timeout        time.Duration
	readOnly       bool
	clock          Clock

	state       TxnState
	startTime   time.Time
	endTime     time.Time
	operations  []*Operation
	readSet     map[string]struct{}
	writeSet    map[string]struct{}
	snapshot    map[string]any
	validation  ValidationFunc
	abortReason string
}

// NewTransaction creates a PENDING transaction.
func NewTransaction(opts Options) *Transaction {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	level := opts.IsolationLevel
	if level == 0 {
		level = ReadCommitted
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTxnTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = WallClock()
	}
	return &Transaction{
		id:             id,
		isolationLevel: level,
		timeout:        timeout,
		readOnly:       opts.ReadOnly,
		clock:          clock,
		state:          StatePending,
		readSet:        map[string]struct{}{},
		writeSet:       map[string]struct{}{},
		snapshot:       map[string]any{},
	}
}

func (t *Transaction) ID() string                     { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolationLevel }
func (t *Transaction) ReadOnly() bool                 { return t.readOnly }
func (t *Transaction) Timeout() time.Duration         { return t.timeout }

func (t *Transaction) State() TxnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transaction) IsActive() bool    { return t.State() == StateActive }
func (t *Transaction) IsCommitted() bool { return t.State() == StateCommitted }
func (t *Transaction) IsAborted() bool   { return t.State() == StateAborted }

// StartTime reports when Begin ran.
func (t *Transaction) StartTime() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime, !t.startTime.IsZero()
}

// EndTime reports when the transaction committed or aborted.
func (t *Transaction) EndTime() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endTime, !t.endTime.IsZero()
}

// AbortReason is empty unless the transaction was aborted.
func (t *Transaction) AbortReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.abortReason
}

func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return newTxnError(t.id, OpBegin, "cannot begin transaction in state %s", t.state)
	}
	t.state = StateActive
	t.startTime = t.clock.Now()
	return nil
}

// timedOutLocked must be called with mu held.
func (t *Transaction) timedOutLocked(now time.Time) bool {
	if t.timeout < 0 || t.startTime.IsZero() {
		return false
	}
	return now.Sub(t.startTime) > t.timeout
}

func (t *Transaction) checkWritableLocked(op string) error {
	if t.state != StateActive {
		return newTxnError(t.id, op, "transaction is not active (state %s)", t.state)
	}
	if t.timedOutLocked(t.clock.Now()) {
		return newTxnError(t.id, OpTimeout, "transaction timed out after %s", t.timeout)
	}
	return nil
}

// AddOperation appends an entry to the log and records key in the read or
// write set.
func (t *Transaction) AddOperation(typ OpType, key string, oldValue, newValue []byte, metadata any) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritableLocked(OpOperation); err != nil {
		return nil, err
	}
	if !typ.valid() {
		return nil, newTxnError(t.id, OpOperation, "unknown operation type %d", int(typ))
	}
	if t.readOnly && typ.IsWrite() {
		return nil, newTxnError(t.id, OpReadOnly, "cannot %s key %q in a read-only transaction", typ, key)
	}

	op := newOperation(typ, key, oldValue, newValue, metadata, t.clock.Now())
	t.operations = append(t.operations, op)
	if typ.IsWrite() {
		t.writeSet[key] = struct{}{}
	} else {
		t.readSet[key] = struct{}{}
	}
	return op, nil
}

func (t *Transaction) Read(key string, value []byte) (*Operation, error) {
	return t.AddOperation(OpTypeRead, key, value, nil, nil)
}

func (t *Transaction) Set(key string, oldValue, newValue []byte) (*Operation, error) {
	return t.AddOperation(OpTypeSet, key, oldValue, newValue, nil)
}

func (t *Transaction) Delete(key string, oldValue []byte) (*Operation, error) {
	return t.AddOperation(OpTypeDelete, key, oldValue, nil, nil)
}

// CaptureSnapshot remembers a derived value (a range or aggregate) under key
// so that later writes invalidating it can be detected at commit.
func (t *Transaction) CaptureSnapshot(key string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritableLocked(OpSnapshot); err != nil {
		return err
	}
	t.snapshot[key] = value
	return nil
}

func (t *Transaction) SnapshotValue(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.snapshot[key]
	return v, ok
}

// SetValidation installs the commit-time check, replacing any previous one.
func (t *Transaction) SetValidation(fn ValidationFunc) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.validation = fn
	return t
}

func (t *Transaction) Validate(ctx context.Context) error {
	t.mu.RLock()
	fn := t.validation
	t.mu.RUnlock()

	if fn == nil {
		return nil
	}
	ok, reason := fn(ctx, t)
	if ok {
		return nil
	}
	if reason == "" {
		reason = defaultValidationReason
	}
	return newTxnError(t.id, OpValidation, "%s", reason)
}

// Commit runs the validation callback and marks the transaction COMMITTED.
// A failed validation aborts the transaction with the validation message.
func (t *Transaction) Commit(ctx context.Context) error {
	if state := t.State(); state != StateActive {
		return newTxnError(t.id, OpCommit, "cannot commit transaction in state %s", state)
	}

	if err := t.Validate(ctx); err != nil {
		reason := err.Error()
		if te, ok := AsTransactionError(err); ok {
			reason = te.Message
		}
		t.Abort(reason)
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return newTxnError(t.id, OpCommit, "cannot commit transaction in state %s", t.state)
	}
	t.state = StateCommitted
	t.endTime = t.clock.Now()
	return nil
}

// Abort moves a PENDING or ACTIVE transaction to ABORTED. Only the first call
// has an effect, and it is a no-op on a committed transaction. It reports
// whether this call performed the abort.
func (t *Transaction) Abort(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.terminal() {
		return false
	}
	if reason == "" {
		reason = defaultAbortReason
	}
	t.state = StateAborted
	t.endTime = t.clock.Now()
	t.abortReason = reason
	return true
}

// RollbackOperations returns the write operations, most recent first.
func (t *Transaction) RollbackOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Operation, 0, len(t.operations))
	for i := len(t.operations) - 1; i >= 0; i-- {
		if t.operations[i].typ.IsWrite() {
			out = append(out, t.operations[i])
		}
	}
	return out
}

func (t *Transaction) Operations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Operation(nil), t.operations...)
}

func (t *Transaction) ReadSet() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.readSet)
}

func (t *Transaction) WriteSet() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.writeSet)
}

// Duration is measured up to now while the transaction is still open.
func (t *Transaction) Duration() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.durationLocked()
}

func (t *Transaction) durationLocked() (time.Duration, bool) {
	if t.startTime.IsZero() {
		return 0, false
	}
	end := t.endTime
	if end.IsZero() {
		end = t.clock.Now()
	}
	d := end.Sub(t.startTime)
	if d < 0 {
		d = 0
	}
	return d, true
}

// TransactionStats is a point-in-time summary of a transaction.
type TransactionStats struct {
	ID             string         `json:"id"`
	State          TxnState       `json:"state"`
	IsolationLevel IsolationLevel `json:"isolationLevel"`
	ReadOnly       bool           `json:"readOnly"`
	StartTime      *time.Time     `json:"startTime"`
	EndTime        *time.Time     `json:"endTime"`
	Duration       *time.Duration `json:"duration"`
	OperationCount int            `json:"operationCount"`
	ReadSetSize    int            `json:"readSetSize"`
	WriteSetSize   int            `json:"writeSetSize"`
	SnapshotSize   int            `json:"snapshotSize"`
	AbortReason    *string        `json:"abortReason"`
	TimedOut       bool           `json:"timedOut"`
}

func (t *Transaction) Stats() TransactionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsLocked()
}

func (t *Transaction) statsLocked() TransactionStats {
	st := TransactionStats{
		ID:             t.id,
		State:          t.state,
		IsolationLevel: t.isolationLevel,
		ReadOnly:       t.readOnly,
		OperationCount: len(t.operations),
		ReadSetSize:    len(t.readSet),
		WriteSetSize:   len(t.writeSet),
		SnapshotSize:   len(t.snapshot),
		TimedOut:       t.state == StateActive && t.timedOutLocked(t.clock.Now()),
	}
	if !t.startTime.IsZero() {
		start := t.startTime
		st.StartTime = &start
	}
	if !t.endTime.IsZero() {
		end := t.endTime
		st.EndTime = &end
	}
	if d, ok := t.durationLocked(); ok {
		st.Duration = &d
	}
	if t.state == StateAborted {
		reason := t.abortReason
		st.AbortReason = &reason
	}
	return st
}

// TransactionExport is Stats plus the full operation log, for diagnostics.
type TransactionExport struct {
	TransactionStats
	Operations []OperationRecord `json:"operations"`
	ReadSet    []string          `json:"readSet"`
	WriteSet   []string          `json:"writeSet"`
}

func (t *Transaction) Export() TransactionExport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]OperationRecord, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, op.Record())
	}
	return TransactionExport{
		TransactionStats: t.statsLocked(),
		Operations:       ops,
		ReadSet:          sortedKeys(t.readSet),
		WriteSet:         sortedKeys(t.writeSet),
	}
}

// view copies everything the validator needs in one consistent read.
func (t *Transaction) view() *txnView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v := &txnView{
		tx:       t,
		id:       t.id,
		state:    t.state,
		level:    t.isolationLevel,
		start:    t.startTime,
		end:      t.endTime,
		readSet:  make(map[string]struct{}, len(t.readSet)),
		writeSet: make(map[string]struct{}, len(t.writeSet)),
		snapshot: make(map[string]any, len(t.snapshot)),
	}
	for k := range t.readSet {
		v.readSet[k] = struct{}{}
	}
	for k := range t.writeSet {
		v.writeSet[k] = struct{}{}
	}
	for k, val := range t.snapshot {
		v.snapshot[k] = val
	}
	for _, op := range t.operations {
		if op.typ.IsWrite() {
			v.writes = append(v.writes, op)
		}
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
