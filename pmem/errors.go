package pmem

import "github.com/pkg/errors"

// ErrKind discriminates the core's error taxonomy. Only Full
// and PoolNotRegistered ever reach a caller; CorruptRecord is surfaced
// only from recovery paths, and TransientCASFailure never escapes a
// public function — it is always retried internally.
type ErrKind int

const (
	ErrFull ErrKind = iota
	ErrCorruptRecord
	ErrPoolNotRegistered
	ErrTransientCASFailure
)

func (k ErrKind) String() string {
	switch k {
	case ErrFull:
		return "Full"
	case ErrCorruptRecord:
		return "CorruptRecord"
	case ErrPoolNotRegistered:
		return "PoolNotRegistered"
	case ErrTransientCASFailure:
		return "TransientCASFailure"
	default:
		return "Unknown"
	}
}

// Error wraps an ErrKind with context, the way bampair.ErrKeyNotFound
// is a plain sentinel the caller compares against — generalized here to
// carry a Kind field since the core has four sentinels instead of one.
type Error struct {
	Kind ErrKind
	msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.msg }

// New constructs an Error of the given kind.
func New(kind ErrKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: errors.Errorf(format, args...).Error()}
}

// Is reports whether err (or any error it wraps) is a pmem.Error of kind.
func Is(err error, kind ErrKind) bool {
	for err != nil {
		if ee, ok := err.(*Error); ok {
			return ee.Kind == kind
		}
		cause := errors.Cause(err)
		if cause == err {
			return false
		}
		err = cause
	}
	return false
}
