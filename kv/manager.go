package kv

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
)

// ManagerConfig configures a TransactionManager. Zero values select defaults.
type ManagerConfig struct {
	// Disabled makes Begin fail with ErrTransactionsDisabled.
	Disabled         bool
	DefaultIsolation IsolationLevel
	DefaultTimeout   time.Duration
	Analyzer         KeyRelationshipAnalyzer
	Clock            Clock
	Logger           *slog.Logger
}

// TransactionManager owns the registry of transactions and is the only
// component that flips their state on behalf of callers. Every state change
// and every commit-time validation runs under stateMu, so a validation never
// sees a registry half way through another commit.
type TransactionManager struct {
	cfg       ManagerConfig
	validator *IsolationValidator
	clock     Clock
	log       *slog.Logger

	stateMu sync.Mutex

	mu       sync.RWMutex
	registry *treemap.Map // id string -> *Transaction

	counter atomic.Uint64
	totals  txnTotals
}

func NewTransactionManager(cfg ManagerConfig) *TransactionManager {
	if cfg.DefaultIsolation == 0 {
		cfg.DefaultIsolation = ReadCommitted
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTxnTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = NewHybridClock()
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = NopAnalyzer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}
	return &TransactionManager{
		cfg:       cfg,
		validator: NewIsolationValidator(cfg.Analyzer, cfg.Clock),
		clock:     cfg.Clock,
		log:       logger,
		registry:  treemap.NewWithStringComparator(),
	}
}

// Begin registers and starts a new transaction.
func (m *TransactionManager) Begin(opts Options) (*Transaction, error) {
	if m.cfg.Disabled {
		return nil, errors.WithStack(ErrTransactionsDisabled)
	}
	if opts.IsolationLevel == 0 {
		opts.IsolationLevel = m.cfg.DefaultIsolation
	}
	if !opts.IsolationLevel.Valid() {
		return nil, newTxnError(opts.ID, OpBegin, "unknown isolation level %d", int(opts.IsolationLevel))
	}
	if opts.Timeout == 0 {
		opts.Timeout = m.cfg.DefaultTimeout
	}
	opts.Clock = m.clock
	tx := NewTransaction(opts)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.mu.Lock()
	if _, exists := m.registry.Get(tx.ID()); exists {
		m.mu.Unlock()
		return nil, newTxnError(tx.ID(), OpBegin, "transaction id already registered")
	}
	m.registry.Put(tx.ID(), tx)
	m.mu.Unlock()

	if err := tx.Begin(); err != nil {
		return nil, err
	}
	m.counter.Add(1)
	m.totals.onBegin()

	m.log.Info("begin",
		slog.String("txn_id", tx.ID()),
		slog.String("isolation", tx.IsolationLevel().String()),
		slog.Bool("read_only", tx.ReadOnly()),
	)
	return tx, nil
}

// Get looks up a registered transaction.
func (m *TransactionManager) Get(id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.registry.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrTransactionNotFound, "id: %s", id)
	}
	tx, _ := v.(*Transaction)
	return tx, nil
}

// Transactions returns the registry contents ordered by id.
func (m *TransactionManager) Transactions() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0, m.registry.Size())
	m.registry.Each(func(_ interface{}, value interface{}) {
		if tx, ok := value.(*Transaction); ok {
			out = append(out, tx)
		}
	})
	return out
}

func (m *TransactionManager) registered(tx *Transaction) error {
	if tx == nil {
		return errors.WithStack(ErrInvalidTxnRef)
	}
	got, err := m.Get(tx.ID())
	if err != nil {
		return err
	}
	if got != tx {
		return errors.Wrapf(ErrInvalidTxnRef, "id %s belongs to another transaction", tx.ID())
	}
	return nil
}

// Commit validates tx against every other registered transaction and then
// commits it. On any conflict the transaction is left ABORTED and the
// conflict is returned. The validation callback runs while the manager's
// state lock is held and must not call back into the manager.
func (m *TransactionManager) Commit(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if err := m.registered(tx); err != nil {
		return tx, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if state := tx.State(); state != StateActive {
		return tx, newTxnError(tx.ID(), OpCommit, "cannot commit transaction in state %s", state)
	}

	if err := m.validator.ValidateIsolation(tx, m.Transactions()); err != nil {
		te, _ := AsTransactionError(err)
		reason := err.Error()
		if te != nil {
			reason = te.Message
		}
		if tx.Abort(reason) {
			m.totals.onAbort(tx, true)
		}
		m.log.WarnContext(ctx, "isolation conflict",
			slog.String("txn_id", tx.ID()),
			slog.String("isolation", tx.IsolationLevel().String()),
			slog.String("reason", reason),
		)
		return tx, err
	}

	if err := tx.Commit(ctx); err != nil {
		if tx.IsAborted() {
			m.totals.onAbort(tx, false)
			m.log.WarnContext(ctx, "validation failed",
				slog.String("txn_id", tx.ID()),
				slog.String("reason", tx.AbortReason()),
			)
		}
		return tx, err
	}
	m.totals.onCommit(tx)

	m.log.InfoContext(ctx, "commit",
		slog.String("txn_id", tx.ID()),
		slog.Int("ops", len(tx.Operations())),
	)
	return tx, nil
}

func (m *TransactionManager) CommitByID(ctx context.Context, id string) (*Transaction, error) {
	tx, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.Commit(ctx, tx)
}

// Abort is idempotent and a no-op for committed transactions.
func (m *TransactionManager) Abort(tx *Transaction, reason string) (*Transaction, error) {
	if err := m.registered(tx); err != nil {
		return tx, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if tx.Abort(reason) {
		m.totals.onAbort(tx, false)
		m.log.Info("abort",
			slog.String("txn_id", tx.ID()),
			slog.String("reason", tx.AbortReason()),
		)
	}
	return tx, nil
}

func (m *TransactionManager) AbortByID(id, reason string) (*Transaction, error) {
	tx, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.Abort(tx, reason)
}

// ActiveCount counts registered transactions in the ACTIVE state.
func (m *TransactionManager) ActiveCount() int {
	n := 0
	for _, tx := range m.Transactions() {
		if tx.IsActive() {
			n++
		}
	}
	return n
}

// Counter is the number of transactions begun over the manager's lifetime.
func (m *TransactionManager) Counter() uint64 {
	return m.counter.Load()
}

// Prune drops finished transactions that ended before every open
// transaction started. No open or future transaction can conflict with them.
func (m *TransactionManager) Prune() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	var horizon time.Time
	for _, tx := range m.Transactions() {
		if start, ok := tx.StartTime(); ok && tx.IsActive() {
			if horizon.IsZero() || start.Before(horizon) {
				horizon = start
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []string
	m.registry.Each(func(key interface{}, value interface{}) {
		tx, _ := value.(*Transaction)
		if tx == nil || !tx.State().terminal() {
			return
		}
		end, ok := tx.EndTime()
		if !ok {
			return
		}
		if horizon.IsZero() || end.Before(horizon) {
			id, _ := key.(string)
			victims = append(victims, id)
		}
	})
	for _, id := range victims {
		m.registry.Remove(id)
	}
	if len(victims) > 0 {
		m.log.Info("prune", slog.Int("removed", len(victims)))
	}
	return len(victims)
}
