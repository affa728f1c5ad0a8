package env

import "fmt"

// Code is the stable numeric error taxonomy exposed at the public API
// boundary (spec §6 "Error taxonomy"). Internal packages return Go errors;
// env wraps them into a CodedError at the point a public call returns.
type Code int

const (
	CodeInvalidParameter Code = iota + 1
	CodeInvalidFileHeader
	CodeInvalidFileVersion
	CodeOutOfMemory
	CodeIOError
	CodeKeyNotFound
	CodeDuplicateKey
	CodeIntegrityViolated
	CodeLimitsReached
	CodeNeedRecovery
	CodeNetworkError
	CodeTxnConflict
	CodeCursorStillOpen
	CodeDatabaseAlreadyExists
	CodeDatabaseNotFound
	CodePluginNotFound
	CodeParserError
	CodeNotImplemented
)

func (c Code) String() string {
	switch c {
	case CodeInvalidParameter:
		return "invalid-parameter"
	case CodeInvalidFileHeader:
		return "invalid-file-header"
	case CodeInvalidFileVersion:
		return "invalid-file-version"
	case CodeOutOfMemory:
		return "out-of-memory"
	case CodeIOError:
		return "io-error"
	case CodeKeyNotFound:
		return "key-not-found"
	case CodeDuplicateKey:
		return "duplicate-key"
	case CodeIntegrityViolated:
		return "integrity-violated"
	case CodeLimitsReached:
		return "limits-reached"
	case CodeNeedRecovery:
		return "need-recovery"
	case CodeNetworkError:
		return "network-error"
	case CodeTxnConflict:
		return "txn-conflict"
	case CodeCursorStillOpen:
		return "cursor-still-open"
	case CodeDatabaseAlreadyExists:
		return "database-already-exists"
	case CodeDatabaseNotFound:
		return "database-not-found"
	case CodePluginNotFound:
		return "plugin-not-found"
	case CodeParserError:
		return "parser-error"
	case CodeNotImplemented:
		return "not-implemented"
	default:
		return "unknown"
	}
}

// CodedError pairs a stable Code with the underlying Go error that caused
// it, per spec §7's three-tier classification (expected/transient/fatal).
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

func newErr(code Code, err error) *CodedError { return &CodedError{Code: code, Err: err} }

// wrapErr is newErr but passes a nil err straight through as a nil error
// interface value — newErr itself must not be called with a possibly-nil
// err, since a non-nil *CodedError wrapping a nil cause is still a non-nil
// error to callers.
func wrapErr(code Code, err error) error {
	if err == nil {
		return nil
	}
	return newErr(code, err)
}

// IsFatal reports whether code marks the environment unusable per spec §7
// tier 3: every subsequent public call should fail until Close.
func (c Code) IsFatal() bool {
	switch c {
	case CodeIntegrityViolated, CodeInvalidFileHeader, CodeNeedRecovery:
		return true
	default:
		return false
	}
}
