package ndef

import "fmt"

// Code classifies why a codec operation failed. The codec never panics or
// aborts on malformed input; every failure mode surfaces as a Code.
type Code int

const (
	// ErrTooShort means the buffer ends in the middle of a record's fixed
	// fields (header, type length, payload length or id length), so the
	// record cannot even be parsed. A buffer that ends inside the type, id
	// or payload is reported as ErrLengthMismatch.
	ErrTooShort Code = iota + 1
	// ErrNoMessageBegin means the first record does not have MB=1.
	ErrNoMessageBegin
	// ErrExtraMessageBegin means a record after the first has MB=1.
	ErrExtraMessageBegin
	// ErrNoMessageEnd means the buffer ran out at a record boundary without
	// ever seeing a record with ME=1. Distinct from ErrTooShort: every
	// record seen so far parsed cleanly, there just isn't a terminator yet.
	// The LLCP adaptor treats this code, like ErrTooShort and
	// ErrLengthMismatch, as "keep buffering".
	ErrNoMessageEnd
	// ErrUnexpectedChunk means a TNF=Unchanged record appears without a
	// preceding CF=1 record to continue, or a chunking-related record
	// appears while chunks are disallowed.
	ErrUnexpectedChunk
	// ErrInvalidChunk means a chunk continuation record carries a nonzero
	// type or id length.
	ErrInvalidChunk
	// ErrInvalidEmptyRecord means a TNF=Empty record has a nonzero type,
	// id, or payload length.
	ErrInvalidEmptyRecord
	// ErrLengthMismatch means a declared length field exceeds the
	// enclosing buffer, or TNF=Unknown carries a nonzero type length.
	ErrLengthMismatch
	// ErrInvalidType means a WellKnown or External record's type bytes
	// fall outside the 0x20..0x7E printable range.
	ErrInvalidType
	// ErrInsufficientMem means an edit would grow the message past
	// max_size.
	ErrInsufficientMem
	// ErrNotFound means GetByIndex/FindByType/FindById found no match.
	ErrNotFound
)

func (c Code) String() string {
	switch c {
	case ErrTooShort:
		return "too short"
	case ErrNoMessageBegin:
		return "no message begin"
	case ErrExtraMessageBegin:
		return "extra message begin"
	case ErrNoMessageEnd:
		return "no message end"
	case ErrUnexpectedChunk:
		return "unexpected chunk"
	case ErrInvalidChunk:
		return "invalid chunk"
	case ErrInvalidEmptyRecord:
		return "invalid empty record"
	case ErrLengthMismatch:
		return "length mismatch"
	case ErrInvalidType:
		return "invalid type"
	case ErrInsufficientMem:
		return "insufficient memory"
	case ErrNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is the codec's structured error type: an operation name, a
// classification code, and an optional wrapped cause.
type Error struct {
	Op    string
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ndef: %s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("ndef: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}
