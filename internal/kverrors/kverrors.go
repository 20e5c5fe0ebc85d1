// Package kverrors tags tidekv errors with a kind (IoError, CorruptData,
// InvalidArgument, NotFound, ResourceExhausted, Aborted, Closed), wrapped
// with github.com/pkg/errors so causes and call-site context survive
// across layers.
package kverrors

import "github.com/pkg/errors"

// Kind classifies a tidekv error.
type Kind int

const (
	// IoError covers file read/write/truncate failures.
	IoError Kind = iota
	// CorruptData covers a bad overflow chain or a decode failure in a
	// context that requires one to succeed.
	CorruptData
	// InvalidArgument covers a bad caller-supplied configuration value.
	InvalidArgument
	// NotFound marks a query miss. Callers normally see this surfaced as
	// an absent value rather than an error.
	NotFound
	// ResourceExhausted covers failures to determine available
	// parallelism for compaction workers.
	ResourceExhausted
	// Aborted marks a transaction that was rolled back.
	Aborted
	// Closed marks an operation attempted after Close.
	Closed
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case CorruptData:
		return "CorruptData"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Aborted:
		return "Aborted"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New builds a Kind-tagged error from a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Wrap tags err with kind, preserving it as the wrapped cause.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with formatting.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// KindOf reports the Kind tidekv attached to err, if any.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		err = errors.Unwrap(err)
	}
	if ke == nil {
		return 0, false
	}
	return ke.kind, true
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
