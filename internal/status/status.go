// Package status implements the error taxonomy of spec.md §7: a small sum
// type that every fallible core operation returns instead of an ad-hoc
// error string, so callers can branch on errors.Is against the published
// kinds regardless of which operation produced them.
package status

import "fmt"

// Kind is one of the abstract error kinds from spec.md §7.
type Kind int

const (
	// Ok is not a failure; it is never wrapped in a Status.
	Ok Kind = iota

	// NotFound means the requested flow or file does not exist.
	NotFound
	// AlreadyExists means creation with exclusive semantics found an
	// existing entity.
	AlreadyExists
	// Invalid means a mapping's inode no longer matches, a header version
	// differs, or a configuration field is out of range.
	Invalid
	// VersionMismatch means the on-disk header size/version does not match
	// what this implementation expects (spec.md I1).
	VersionMismatch
	// TooLate means the reader asked for data older than the ring can
	// still hold.
	TooLate
	// TooEarly means the reader asked for data not yet produced, including
	// deadline expiry (spec.md §5: deadline expiry is never a distinct
	// Timeout kind).
	TooEarly
	// InvalidArgument means a caller-supplied argument violates a
	// documented precondition.
	InvalidArgument
	// PermissionDenied means a filesystem or lock operation was refused.
	PermissionDenied
	// Io is any other low-level failure.
	Io
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case NotFound:
		return "FlowNotFound"
	case AlreadyExists:
		return "FlowAlreadyExists"
	case Invalid:
		return "FlowInvalid"
	case VersionMismatch:
		return "VersionMismatch"
	case TooLate:
		return "OutOfRange.TooLate"
	case TooEarly:
		return "OutOfRange.TooEarly"
	case InvalidArgument:
		return "InvalidArgument"
	case PermissionDenied:
		return "PermissionDenied"
	case Io:
		return "IoFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is the error type returned by every fallible core operation.
type Status struct {
	Kind Kind
	Op   string
	Err  error
}

func (s *Status) Error() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s: %v", s.Op, s.Kind, s.Err)
	}
	return fmt.Sprintf("%s: %s", s.Op, s.Kind)
}

func (s *Status) Unwrap() error {
	return s.Err
}

// Is allows errors.Is(err, status.ErrTooLate) style comparisons: any
// *Status target matches when its Kind equals s.Kind.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Kind == t.Kind
}

// New builds a Status for the given kind, operation name, and optional
// wrapped cause.
func New(kind Kind, op string, err error) *Status {
	return &Status{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Status of the given kind.
func Is(err error, kind Kind) bool {
	s, ok := err.(*Status)
	if !ok {
		return false
	}
	return s.Kind == kind
}

// sentinels for errors.Is(err, status.ErrTooLate) without constructing a
// *Status by hand at call sites that only care about the kind.
var (
	ErrNotFound        = &Status{Kind: NotFound, Op: "status"}
	ErrAlreadyExists   = &Status{Kind: AlreadyExists, Op: "status"}
	ErrInvalid         = &Status{Kind: Invalid, Op: "status"}
	ErrVersionMismatch = &Status{Kind: VersionMismatch, Op: "status"}
	ErrTooLate         = &Status{Kind: TooLate, Op: "status"}
	ErrTooEarly        = &Status{Kind: TooEarly, Op: "status"}
	ErrInvalidArgument = &Status{Kind: InvalidArgument, Op: "status"}
	ErrPermissionDenied = &Status{Kind: PermissionDenied, Op: "status"}
	ErrIo              = &Status{Kind: Io, Op: "status"}
)
