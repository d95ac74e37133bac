// Package registry implements the fixed-capacity record-type dispatch table
// of spec.md §4.B: registered handlers are matched against incoming NDEF
// records by TNF+type, or bidirectionally against well-known URI records,
// and invoked in registration order.
package registry

import (
	"errors"

	"github.com/dotside-studios/nfc-cho-core/ndef"
)

// DefaultCapacity is the table size used by New when the caller doesn't
// specify one, per spec.md §4.B ("a fixed-capacity table (default 32)").
const DefaultCapacity = 32

// DefaultHandle is the handle of the reserved default-handler slot.
const DefaultHandle = 0

// Flag modifies how an entry is matched and invoked.
type Flag uint8

const (
	// HandleWholeMessage means the callback wants the entire message once
	// per Dispatch, not once per matching record.
	HandleWholeMessage Flag = 1 << iota
	// WktUri means the entry's type is the well-known URI record "U", and
	// matching happens against the URI prefix, not a literal type match.
	WktUri
)

// Callback receives either a single matching record's view, or, for
// HandleWholeMessage entries, the raw message bytes, exactly once per
// Dispatch call.
type Callback func(record ndef.View, wholeMessage []byte)

var (
	// ErrTableFull means every non-default slot is occupied.
	ErrTableFull = errors.New("registry: table full")
	// ErrNotFound means Deregister was called with an unknown handle.
	ErrNotFound = errors.New("registry: handle not found")
)

type entry struct {
	used     bool
	tnf      ndef.TNF
	typ      []byte
	flags    Flag
	cb       Callback
	notified bool
}

// Table is a fixed-capacity record-type dispatch table. The zero value is
// not usable; construct with New. Table is not safe for concurrent use
// without external synchronization, matching the rest of this package's
// single-owner, caller-locks style.
type Table struct {
	entries []entry
}

// New creates a Table with the given capacity (slot 0 reserved for the
// default handler). A capacity below 1 is rejected by panicking, since it
// would leave no default slot; callers needing the usual table use
// NewDefault.
func New(capacity int) *Table {
	if capacity < 1 {
		panic("registry: capacity must be at least 1")
	}
	return &Table{entries: make([]entry, capacity)}
}

// NewDefault creates a Table with DefaultCapacity slots.
func NewDefault() *Table {
	return New(DefaultCapacity)
}

// Register allocates an entry for (tnf, typ) and returns its handle. Passing
// a nil typ with tnf == ndef.TNFEmpty conventionally targets the default
// slot's matching rule, but does not itself claim slot 0; use
// RegisterDefault for that. The first free non-zero slot is used; zero
// slots beyond capacity returns ErrTableFull.
func (t *Table) Register(tnf ndef.TNF, typ []byte, flags Flag, cb Callback) (int, error) {
	for i := 1; i < len(t.entries); i++ {
		if !t.entries[i].used {
			t.entries[i] = entry{used: true, tnf: tnf, typ: append([]byte(nil), typ...), flags: flags, cb: cb}
			return i, nil
		}
	}
	return 0, ErrTableFull
}

// RegisterDefault installs the handler invoked when no other entry matches
// a record. The default slot may be reused (re-registering simply
// overwrites it).
func (t *Table) RegisterDefault(cb Callback) {
	t.entries[DefaultHandle] = entry{used: true, cb: cb}
}

// Deregister frees the entry at handle. Deregistering the default slot
// clears it so no default handler fires until RegisterDefault is called
// again.
func (t *Table) Deregister(handle int) error {
	if handle < 0 || handle >= len(t.entries) || !t.entries[handle].used {
		return ErrNotFound
	}
	t.entries[handle] = entry{}
	return nil
}

// Dispatch validates messageBytes, then iterates its records, invoking
// every matching entry's callback in registration order. If no entry
// matches a record and the default slot is set, the default receives it.
// HandleWholeMessage entries are invoked at most once per Dispatch call,
// the first time one of their records matches, regardless of how many
// records match.
func (t *Table) Dispatch(messageBytes []byte) error {
	if err := ndef.Validate(messageBytes, false); err != nil {
		return err
	}
	for i := range t.entries {
		t.entries[i].notified = false
	}

	c := ndef.NewCursor(messageBytes)
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		matched := false
		for i := 1; i < len(t.entries); i++ {
			e := &t.entries[i]
			if !e.used || !t.matches(e, v) {
				continue
			}
			matched = true
			t.invoke(e, v, messageBytes)
		}
		if !matched && t.entries[DefaultHandle].used {
			t.invoke(&t.entries[DefaultHandle], v, messageBytes)
		}
	}
	return nil
}

func (t *Table) invoke(e *entry, v ndef.View, whole []byte) {
	if e.flags&HandleWholeMessage != 0 {
		if e.notified {
			return
		}
		e.notified = true
		e.cb(v, whole)
		return
	}
	e.cb(v, nil)
}

func (t *Table) matches(e *entry, v ndef.View) bool {
	if e.flags&WktUri != 0 {
		return matchesURI(e.typ, v)
	}
	if e.tnf != v.TNF() {
		return false
	}
	return bytesEqual(e.typ, v.Type())
}

// matchesURI implements the bidirectional match of spec.md §4.B: an entry
// registered with an abbreviated prefix code matches an absolute-URI
// record's expanded prefix, and an entry registered with an absolute
// prefix matches a record's abbreviated code by the converse mapping.
func matchesURI(entryPrefix []byte, v ndef.View) bool {
	if v.TNF() != ndef.TNFWellKnown || !bytesEqual(v.Type(), []byte("U")) {
		return false
	}
	payload := v.Payload()
	if len(payload) == 0 {
		return false
	}
	recordURI, err := ndef.ReadURI(payload)
	if err != nil {
		return false
	}
	if len(entryPrefix) == 1 {
		expanded, err := ndef.ReadURI(entryPrefix)
		if err != nil {
			return false
		}
		return hasPrefix(recordURI, expanded)
	}
	return hasPrefix(recordURI, string(entryPrefix))
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
