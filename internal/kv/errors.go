package kv

import (
	"errors"
	"fmt"
)

// Error is a store error identified by a numeric status code. Codes match
// the ones reported by the reference client so conformance logs compare
// equal.
type Error struct {
	Code int
}

// Store error codes.
const (
	CodeTransactionTooOld      = 1007
	CodeFutureVersion          = 1009
	CodeNotCommitted           = 1020
	CodeCommitUnknownResult    = 1021
	CodeTransactionCancelled   = 1025
	CodeTransactionTimedOut    = 1031
	CodeProcessBehind          = 1037
	CodeTagThrottled           = 1213
	CodeClientInvalidOperation = 2000
	CodeKeyOutsideLegalRange   = 2004
	CodeInvertedRange          = 2005
	CodeInvalidOptionValue     = 2006
	CodeVersionInvalid         = 2011
	CodeUsedDuringCommit       = 2017
	CodeInvalidMutationType    = 2018
	CodeNoCommitVersion        = 2021
	CodeTransactionTooLarge    = 2101
	CodeKeyTooLarge            = 2102
	CodeValueTooLarge          = 2103
	CodeAPIVersionNotSupported = 2203
	CodeRangeLimitsInvalid     = 2210
	CodeInternalError          = 4100
)

var descriptions = map[int]string{
	CodeTransactionTooOld:      "Transaction is too old to perform reads or be committed",
	CodeFutureVersion:          "Request for future version",
	CodeNotCommitted:           "Transaction not committed due to conflict with another transaction",
	CodeCommitUnknownResult:    "Transaction may or may not have committed",
	CodeTransactionCancelled:   "Operation aborted because the transaction was cancelled",
	CodeTransactionTimedOut:    "Operation aborted because the transaction timed out",
	CodeProcessBehind:          "Storage process does not have recent mutations",
	CodeTagThrottled:           "Transaction tag is being throttled",
	CodeClientInvalidOperation: "Invalid API call",
	CodeKeyOutsideLegalRange:   "Key outside legal range",
	CodeInvertedRange:          "Range begin key larger than end key",
	CodeInvalidOptionValue:     "Option set with an invalid value",
	CodeVersionInvalid:         "Version not valid",
	CodeUsedDuringCommit:       "Operation issued while a commit was outstanding",
	CodeNoCommitVersion:        "Transaction is read-only and therefore does not have a commit version",
	CodeTransactionTooLarge:    "Transaction exceeds byte limit",
	CodeKeyTooLarge:            "Key length exceeds limit",
	CodeValueTooLarge:          "Value length exceeds limit",
	CodeAPIVersionNotSupported: "API version not supported",
	CodeInvalidMutationType:    "Invalid mutation type",
	CodeRangeLimitsInvalid:     "Range request limit is invalid",
	CodeInternalError:          "An internal error occurred",
}

// Error implements the error interface.
func (e *Error) Error() string {
	if d, ok := descriptions[e.Code]; ok {
		return fmt.Sprintf("%s (%d)", d, e.Code)
	}
	return fmt.Sprintf("unknown error (%d)", e.Code)
}

// Description returns the human-readable text for the code.
func (e *Error) Description() string {
	return descriptions[e.Code]
}

func newError(code int) *Error {
	return &Error{Code: code}
}

// AsError extracts a store error from err.
// Uses errors.As to handle wrapped errors.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether a transaction that failed with code may be
// reset and retried by OnError.
func IsRetryable(code int) bool {
	switch code {
	case CodeTransactionTooOld, CodeFutureVersion, CodeNotCommitted,
		CodeCommitUnknownResult, CodeProcessBehind, CodeTagThrottled:
		return true
	}
	return false
}
