package transaction

import (
	"github.com/pkg/errors"

	"mvtx/transaction/lock"
	"mvtx/transaction/ssi"
)

// Kind is the caller-visible failure taxonomy. every conflict the
// engine detects maps to exactly one kind; the engine never retries
// internally, because replaying transaction logic (including value
// computation) is the caller's job.
type Kind int

const (
	// KindNone means no classified failure
	KindNone Kind = iota
	// KindSerializationFailure: SSI dangerous structure at commit, or a
	// first-committer-wins conflict. retry the whole transaction logic.
	KindSerializationFailure
	// KindDeadlockDetected: chosen as a wait-for cycle victim. can
	// surface mid-transaction. retry.
	KindDeadlockDetected
	// KindLockTimeout: bounded lock wait expired without a cycle being
	// found. retry or surface a busy error.
	KindLockTimeout
	// KindConstraintConflict: a collaborator-detected constraint
	// violation surfaced as-is; retrying may or may not help.
	KindConstraintConflict
	// KindInternal: a fatal engine or storage failure; not retryable.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindSerializationFailure:
		return "SerializationFailure"
	case KindDeadlockDetected:
		return "DeadlockDetected"
	case KindLockTimeout:
		return "LockTimeout"
	case KindConstraintConflict:
		return "ConstraintConflict"
	case KindInternal:
		return "Internal"
	default:
		return "None"
	}
}

// Error is a classified engine failure
type Error struct {
	kind  Kind
	cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

// Kind returns the failure kind
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	return e.kind.String() + ": " + e.cause.Error()
}

// Unwrap exposes the underlying detection for errors.Is checks
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrWriteConflict is the first-committer-wins detection: the row was
// modified by a transaction that committed after this one's snapshot
var ErrWriteConflict = errors.New("row version modified by concurrently committed transaction")

// ErrConstraintConflict is the collaborator-reported constraint
// violation passed through the classifier
var ErrConstraintConflict = errors.New("constraint conflict reported by collaborator")

// Classify maps an internal detection to its caller-visible kind.
// the classifier is a pure translation layer with no state.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ssi.ErrDangerousStructure), errors.Is(err, ErrWriteConflict):
		return KindSerializationFailure
	case errors.Is(err, lock.ErrDeadlock):
		return KindDeadlockDetected
	case errors.Is(err, lock.ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrConstraintConflict):
		return KindConstraintConflict
	default:
		return KindInternal
	}
}

// classified wraps a raw detection into a *Error carrying its kind
func classified(err error) error {
	if err == nil {
		return nil
	}
	if e := (*Error)(nil); errors.As(err, &e) {
		return err
	}
	return newError(Classify(err), err)
}

// KindOf extracts the kind from a classified error; KindInternal for
// anything unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Classify(err)
}

// IsRetryable reports whether the caller should re-run the transaction
// logic from the start
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindSerializationFailure, KindDeadlockDetected, KindLockTimeout:
		return true
	default:
		return false
	}
}
