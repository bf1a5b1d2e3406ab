package kv

import "time"

const (
	defaultTxnTimeout = 30 * time.Second

	defaultAbortReason      = "User abort"
	defaultValidationReason = "Transaction validation failed"

	defaultRetryMax  uint64 = 5
	defaultRetryBase        = 10 * time.Millisecond

	defaultLockStripes = 256
)
