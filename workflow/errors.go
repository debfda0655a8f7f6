package workflow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds aborts the approval transition; the file stays
// awaiting_approval and the caller surfaces the denial reason.
type InsufficientFundsError struct {
	AccountId int
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %d: requested %s, available %s",
		e.AccountId, e.Requested.String(), e.Available.String())
}

// OverReleaseError indicates a release larger than the reserved balance,
// which always means a bookkeeping bug upstream.
type OverReleaseError struct {
	AccountId int
	Requested decimal.Decimal
	Reserved  decimal.Decimal
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("over-release on account %d: requested %s, reserved %s",
		e.AccountId, e.Requested.String(), e.Reserved.String())
}

// TransientExecutionError marks an executor failure worth retrying with
// backoff. Anything else from the executor is treated as fatal for the
// instruction.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string {
	return "transient execution error: " + e.Err.Error()
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientExecutionError
	return errors.As(err, &t)
}

// ConsistencyViolationError rejects a guarded transition; it is never
// silently corrected.
type ConsistencyViolationError struct {
	Detail string
}

func (e *ConsistencyViolationError) Error() string {
	return "consistency violation: " + e.Detail
}

// ErrInvalidTransition is returned by the lifecycle table for transitions
// the state machine does not define.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrFileVersionConflict signals a lost optimistic-version race; callers
// reload and retry or drop the attempt.
var ErrFileVersionConflict = errors.New("file was modified concurrently")
