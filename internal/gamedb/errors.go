package gamedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Code identifies a structured failure class surfaced by the core.
// Admin operations return exactly one of these; raw driver errors never
// escape the package boundary unclassified.
type Code string

const (
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeUnknownPlayer          Code = "UNKNOWN_PLAYER"
	CodeNameAmbiguous          Code = "NAME_AMBIGUOUS"
	CodeIdempotencyReplay      Code = "IDEMPOTENCY_REPLAY"
	CodeIdempotencyMismatch    Code = "IDEMPOTENCY_MISMATCH"
	CodeDeadlockRetryExhausted Code = "DEADLOCK_RETRY_EXHAUSTED"
	CodeConnectionLost         Code = "CONNECTION_LOST"
	CodeDegradedMode           Code = "DEGRADED_MODE"
	CodeMigrationLocked        Code = "MIGRATION_LOCKED"
	CodeInvalidTZ              Code = "INVALID_TZ"
	CodeOverridesDisabled      Code = "OVERRIDES_DISABLED"
	CodeSlowQuery              Code = "DB_SLOW_QUERY"
)

// Error is the structured error type carried across the core. Its string
// form matches the observability contract:
//
//	code=<Code> op=<name> message=<...> [sqlState=<...> vendor=<...>]
type Error struct {
	Code     Code
	Op       string
	Message  string
	SQLState string
	Vendor   uint16
	Err      error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code=%s op=%s message=%s", e.Code, e.Op, e.Message)
	if e.SQLState != "" || e.Vendor != 0 {
		s += fmt.Sprintf(" sqlState=%s vendor=%d", e.SQLState, e.Vendor)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error with no underlying cause.
func E(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the structured code from err, or CONNECTION_LOST when the
// chain carries no *Error (an unclassified failure is a lost connection by
// the propagation rules).
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeConnectionLost
}

// deadlock-class vendor codes and SQL state. 1213 is the InnoDB deadlock,
// 1205 the lock wait timeout; 40001 is the standard serialization failure.
func isDeadlockClass(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		if me.Number == 1213 || me.Number == 1205 {
			return true
		}
		if string(me.SQLState[:]) == "40001" {
			return true
		}
	}
	return false
}

// Classify maps a raw driver error onto the core taxonomy. Deadlock-class
// failures become DEADLOCK_RETRY_EXHAUSTED (the caller retries before this
// is surfaced); everything else is CONNECTION_LOST. Structured errors pass
// through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeConnectionLost, Op: op, Message: err.Error(), Err: err}
	}
	out := &Error{Op: op, Message: err.Error(), Err: err}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		out.Vendor = me.Number
		out.SQLState = string(me.SQLState[:])
	}
	if isDeadlockClass(err) {
		out.Code = CodeDeadlockRetryExhausted
	} else {
		out.Code = CodeConnectionLost
	}
	return out
}
