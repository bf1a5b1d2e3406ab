package kv

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrTransactionsDisabled = errors.New("transactions are disabled")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidTxnRef        = errors.New("invalid transaction reference")
)

// Operation names attached to a TransactionError.
const (
	OpBegin           = "begin"
	OpOperation       = "operation"
	OpTimeout         = "timeout"
	OpReadOnly        = "read-only"
	OpSnapshot        = "snapshot"
	OpValidation      = "validation"
	OpCommit          = "commit"
	OpIsolation       = "isolation"
	OpWriteConflict   = "write-conflict"
	OpRepeatableRead  = "repeatable-read"
	OpPhantomRead     = "phantom-read"
	OpSerialization   = "serialization"
	OpWriteSkew       = "write-skew"
	OpDependencyCycle = "dependency-cycle"
)

// TransactionError is the only error kind raised by the transaction
// subsystem. Lifecycle violations and isolation conflicts are told apart by
// Operation.
type TransactionError struct {
	Message       string
	TransactionID string
	Operation     string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s (%s): %s", e.TransactionID, e.Operation, e.Message)
}

func newTxnError(txnID, op, format string, args ...any) error {
	return errors.WithStackDepth(&TransactionError{
		Message:       fmt.Sprintf(format, args...),
		TransactionID: txnID,
		Operation:     op,
	}, 1)
}

// AsTransactionError unwraps err into a *TransactionError.
func AsTransactionError(err error) (*TransactionError, bool) {
	var te *TransactionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsConflict reports whether err was caused by a concurrent transaction, in
// which case the work may be retried in a new transaction.
func IsConflict(err error) bool {
	te, ok := AsTransactionError(err)
	if !ok {
		return false
	}
	switch te.Operation {
	case OpWriteConflict, OpRepeatableRead, OpPhantomRead,
		OpSerialization, OpWriteSkew, OpDependencyCycle:
		return true
	}
	return false
}
