// Package ndef implements the NFC Data Exchange Format binary message codec:
// validation, parsing, construction, chunk reassembly, and in-place mutation
// of a self-describing record list (spec.md §3, §4.A).
//
// Every exported function here operates on a caller-owned byte slice plus a
// current_size cursor; none of them allocate, and none of them panic on
// malformed input; failures are always a *Error.
package ndef

import "encoding/binary"

// Validate scans buf[:len(buf)] once and enforces every invariant of
// spec.md §3. allowChunks controls whether CF=1 / TNF=Unchanged records are
// permitted; pass false to reject a message containing any chunk.
func Validate(buf []byte, allowChunks bool) error {
	return validate(buf, uint32(len(buf)), allowChunks)
}

func validate(buf []byte, limit uint32, allowChunks bool) error {
	if limit == 0 {
		return newErr("Validate", ErrTooShort)
	}

	var offset uint32
	first := true
	inChunk := false

	for {
		m, err := parseRecordAt(buf, offset, limit)
		if err != nil {
			if err.Code == ErrTooShort && offset == limit {
				// We ran out of bytes exactly at a record boundary: this is
				// an incomplete-but-not-malformed message.
				return newErr("Validate", ErrNoMessageEnd)
			}
			err.Op = "Validate"
			return err
		}

		if first {
			if !m.MB() {
				return newErr("Validate", ErrNoMessageBegin)
			}
		} else if m.MB() {
			return newErr("Validate", ErrExtraMessageBegin)
		}

		tnf := m.TNF()

		if !allowChunks && (m.CF() || tnf == TNFUnchanged) {
			return newErr("Validate", ErrUnexpectedChunk)
		}

		if inChunk {
			if tnf != TNFUnchanged {
				return newErr("Validate", ErrUnexpectedChunk)
			}
			if m.typeLen != 0 || m.idLen != 0 {
				return newErr("Validate", ErrInvalidChunk)
			}
		} else {
			if tnf == TNFUnchanged {
				return newErr("Validate", ErrUnexpectedChunk)
			}
		}

		switch tnf {
		case TNFEmpty:
			if m.typeLen != 0 || m.idLen != 0 || m.payloadLen != 0 {
				return newErr("Validate", ErrInvalidEmptyRecord)
			}
		case TNFUnknown:
			if m.typeLen != 0 {
				return newErr("Validate", ErrLengthMismatch)
			}
		case TNFWellKnown, TNFExternal:
			if !inChunk || offset == 0 {
				v := View{buf: buf, meta: m}
				for _, b := range v.Type() {
					if b < 0x20 || b > 0x7E {
						return newErr("Validate", ErrInvalidType)
					}
				}
			}
		}

		inChunk = m.CF()

		if m.ME() {
			if inChunk {
				return newErr("Validate", ErrUnexpectedChunk)
			}
			return nil
		}

		offset += m.wireLen
		first = false
		if offset >= limit {
			return newErr("Validate", ErrNoMessageEnd)
		}
	}
}

// Cursor iterates the records of a buffer in wire order.
type Cursor struct {
	buf    []byte
	limit  uint32
	offset uint32
	done   bool
}

// NewCursor creates a Cursor over buf[:len(buf)].
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf, limit: uint32(len(buf))}
}

// Next advances to the next record. It returns (View{}, false) once the
// record with ME=1 has been returned, or on any parse failure.
func (c *Cursor) Next() (View, bool) {
	if c.done || c.offset >= c.limit {
		return View{}, false
	}
	m, err := parseRecordAt(c.buf, c.offset, c.limit)
	if err != nil {
		c.done = true
		return View{}, false
	}
	v := View{buf: c.buf, meta: m}
	c.offset += m.wireLen
	if m.ME() {
		c.done = true
	}
	return v, true
}

// Count returns the number of records in buf.
func Count(buf []byte) (int, error) {
	if err := validateIgnoringIncomplete(buf); err != nil {
		return 0, err
	}
	c := NewCursor(buf)
	n := 0
	for {
		if _, ok := c.Next(); !ok {
			break
		}
		n++
	}
	return n, nil
}

func validateIgnoringIncomplete(buf []byte) error {
	if err := Validate(buf, true); err != nil {
		return err
	}
	return nil
}

// GetByIndex returns the i'th record (0-based).
func GetByIndex(buf []byte, i int) (View, error) {
	if i < 0 {
		return View{}, newErr("GetByIndex", ErrNotFound)
	}
	c := NewCursor(buf)
	idx := 0
	for {
		v, ok := c.Next()
		if !ok {
			return View{}, newErr("GetByIndex", ErrNotFound)
		}
		if idx == i {
			return v, nil
		}
		idx++
	}
}

// FindByType returns the first record matching tnf and typ.
func FindByType(buf []byte, tnf TNF, typ []byte) (View, bool) {
	c := NewCursor(buf)
	for {
		v, ok := c.Next()
		if !ok {
			return View{}, false
		}
		if v.TNF() == tnf && bytesEqual(v.Type(), typ) {
			return v, true
		}
	}
}

// FindById returns the first record matching id.
func FindById(buf []byte, id []byte) (View, bool) {
	c := NewCursor(buf)
	for {
		v, ok := c.Next()
		if !ok {
			return View{}, false
		}
		if bytesEqual(v.ID(), id) {
			return v, true
		}
	}
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

// Init clears cur to 0 and zeroes buf[:maxSize] (or buf entirely if shorter).
func Init(buf []byte, maxSize uint32, cur *uint32) {
	n := maxSize
	if uint32(len(buf)) < n {
		n = uint32(len(buf))
	}
	for i := uint32(0); i < n; i++ {
		buf[i] = 0
	}
	*cur = 0
}

func recordLen(tnf TNF, typ, id, payload []byte) (wireLen uint32, sr, il bool) {
	sr = len(payload) < 256
	il = len(id) > 0
	wireLen = 2 // header + type-length
	if sr {
		wireLen++
	} else {
		wireLen += 4
	}
	if il {
		wireLen++
	}
	wireLen += uint32(len(typ)) + uint32(len(id)) + uint32(len(payload))
	return
}

// AddRecord appends one record to the message. The new record always gets
// ME=1. It gets MB=1 only if the message was empty; otherwise the
// previously-last record's ME bit is cleared first, per spec.md §4.A.
func AddRecord(buf []byte, maxSize uint32, cur *uint32, tnf TNF, typ, id, payload []byte) error {
	wireLen, sr, il := recordLen(tnf, typ, id, payload)
	if *cur+wireLen > maxSize || *cur+wireLen > uint32(len(buf)) {
		return newErr("AddRecord", ErrInsufficientMem)
	}

	isFirst := *cur == 0
	if !isFirst {
		lastOff, lastErr := lastRecordOffset(buf, *cur)
		if lastErr != nil {
			return lastErr
		}
		buf[lastOff] &^= bitME
	}

	off := *cur
	buf[off] = encodeHeader(isFirst, true, false, sr, il, tnf)
	pos := off + 1
	buf[pos] = byte(len(typ))
	pos++
	if sr {
		buf[pos] = byte(len(payload))
		pos++
	} else {
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(payload)))
		pos += 4
	}
	if il {
		buf[pos] = byte(len(id))
		pos++
	}
	pos += uint32(copy(buf[pos:], typ))
	pos += uint32(copy(buf[pos:], id))
	copy(buf[pos:], payload)

	*cur += wireLen
	return nil
}

// lastRecordOffset walks the message and returns the offset of the final
// (ME=1) record's header.
func lastRecordOffset(buf []byte, limit uint32) (uint32, *Error) {
	var offset uint32
	for {
		m, err := parseRecordAt(buf, offset, limit)
		if err != nil {
			return 0, err
		}
		if m.ME() || offset+m.wireLen >= limit {
			return offset, nil
		}
		offset += m.wireLen
	}
}

func locate(buf []byte, limit uint32, index int) (recordMeta, *Error) {
	var offset uint32
	for i := 0; ; i++ {
		m, err := parseRecordAt(buf, offset, limit)
		if err != nil {
			return recordMeta{}, err
		}
		if i == index {
			return m, nil
		}
		if m.ME() {
			return recordMeta{}, newErr("locate", ErrNotFound)
		}
		offset += m.wireLen
	}
}

// insertGap grows buf[at:*cur] by n bytes, shifting the tail down, after
// checking the result still fits within maxSize and len(buf).
func insertGap(buf []byte, maxSize uint32, cur *uint32, at, n uint32) *Error {
	if n == 0 {
		return nil
	}
	if *cur+n > maxSize || *cur+n > uint32(len(buf)) {
		return newErr("insertGap", ErrInsufficientMem)
	}
	copy(buf[at+n:*cur+n], buf[at:*cur])
	*cur += n
	return nil
}

// removeGap shrinks buf[at:*cur] by n bytes, shifting the tail up.
func removeGap(buf []byte, cur *uint32, at, n uint32) {
	if n == 0 {
		return
	}
	copy(buf[at:*cur-n], buf[at+n:*cur])
	for i := *cur - n; i < *cur; i++ {
		buf[i] = 0
	}
	*cur -= n
}

// AppendPayload grows record index's payload by appending extra. If this
// crosses the 255/256 boundary the 1-byte payload-length field is promoted
// to 4 bytes and the SR flag is cleared, per spec.md §4.A.
func AppendPayload(buf []byte, maxSize uint32, cur *uint32, index int, extra []byte) error {
	if len(extra) == 0 {
		return nil
	}
	m, err := locate(buf, *cur, index)
	if err != nil {
		err.Op = "AppendPayload"
		return err
	}

	oldSR := m.SR()
	newPayloadLen := m.payloadLen + uint32(len(extra))
	newSR := newPayloadLen < 256
	lenFieldOff := m.offset + 2

	// Append the new bytes at the record's current payload end, before any
	// width change, so the insertion point is still valid.
	v := View{buf: buf, meta: m}
	_, _, payloadOff := v.fieldOffsets()
	payloadEnd := payloadOff + m.payloadLen
	if gerr := insertGap(buf, maxSize, cur, payloadEnd, uint32(len(extra))); gerr != nil {
		gerr.Op = "AppendPayload"
		return gerr
	}
	copy(buf[payloadEnd:payloadEnd+uint32(len(extra))], extra)

	if oldSR && !newSR {
		// Promote the 1-byte length field to 4 bytes; this shifts the
		// payload (including what we just appended) along with it.
		if gerr := insertGap(buf, maxSize, cur, lenFieldOff+1, 3); gerr != nil {
			gerr.Op = "AppendPayload"
			return gerr
		}
		buf[m.offset] &^= bitSR
		binary.BigEndian.PutUint32(buf[lenFieldOff:lenFieldOff+4], newPayloadLen)
		return nil
	}

	if oldSR {
		buf[lenFieldOff] = byte(newPayloadLen)
	} else {
		binary.BigEndian.PutUint32(buf[lenFieldOff:lenFieldOff+4], newPayloadLen)
	}
	return nil
}

// ReplacePayload replaces record index's payload wholesale, promoting or
// demoting the SR flag as needed. Buffer length changes by exactly ±3 when
// the 255/256 boundary is crossed, per spec.md §8.
func ReplacePayload(buf []byte, maxSize uint32, cur *uint32, index int, newPayload []byte) error {
	m, err := locate(buf, *cur, index)
	if err != nil {
		err.Op = "ReplacePayload"
		return err
	}
	v := View{buf: buf, meta: m}
	_, _, payloadOff := v.fieldOffsets()

	// Resize the payload region in place (at its current offset, under the
	// current length-field width) and write the new bytes.
	if rerr := resizeField(buf, maxSize, cur, payloadOff, m.payloadLen, uint32(len(newPayload))); rerr != nil {
		rerr.Op = "ReplacePayload"
		return rerr
	}
	copy(buf[payloadOff:payloadOff+uint32(len(newPayload))], newPayload)

	oldSR := m.SR()
	newSR := len(newPayload) < 256
	lenFieldOff := m.offset + 2
	if oldSR == newSR {
		if oldSR {
			buf[lenFieldOff] = byte(len(newPayload))
		} else {
			binary.BigEndian.PutUint32(buf[lenFieldOff:lenFieldOff+4], uint32(len(newPayload)))
		}
		return nil
	}

	// Crossing the boundary: change the length-field width, which carries
	// the payload we just wrote along with it.
	if newSR {
		removeGap(buf, cur, lenFieldOff+1, 3)
		buf[m.offset] |= bitSR
		buf[lenFieldOff] = byte(len(newPayload))
	} else {
		if gerr := insertGap(buf, maxSize, cur, lenFieldOff+1, 3); gerr != nil {
			gerr.Op = "ReplacePayload"
			return gerr
		}
		buf[m.offset] &^= bitSR
		binary.BigEndian.PutUint32(buf[lenFieldOff:lenFieldOff+4], uint32(len(newPayload)))
	}
	return nil
}

// ReplaceType replaces record index's type bytes wholesale.
func ReplaceType(buf []byte, maxSize uint32, cur *uint32, index int, newType []byte) error {
	m, err := locate(buf, *cur, index)
	if err != nil {
		err.Op = "ReplaceType"
		return err
	}
	v := View{buf: buf, meta: m}
	typeOff, _, _ := v.fieldOffsets()
	if rerr := resizeField(buf, maxSize, cur, typeOff, m.typeLen, uint32(len(newType))); rerr != nil {
		rerr.Op = "ReplaceType"
		return rerr
	}
	buf[m.offset+1] = byte(len(newType))
	copy(buf[typeOff:typeOff+uint32(len(newType))], newType)
	return nil
}

// ReplaceId replaces record index's id bytes wholesale, promoting or
// demoting the IL flag as needed.
func ReplaceId(buf []byte, maxSize uint32, cur *uint32, index int, newId []byte) error {
	m, err := locate(buf, *cur, index)
	if err != nil {
		err.Op = "ReplaceId"
		return err
	}
	v := View{buf: buf, meta: m}
	_, idOff, _ := v.fieldOffsets()

	oldIL := m.IL()
	newIL := len(newId) > 0

	idLenFieldOff := m.offset + 2
	if m.SR() {
		idLenFieldOff++
	} else {
		idLenFieldOff += 4
	}

	switch {
	case !oldIL && newIL:
		if gerr := insertGap(buf, maxSize, cur, idLenFieldOff, 1); gerr != nil {
			gerr.Op = "ReplaceId"
			return gerr
		}
		buf[m.offset] |= bitIL
		buf[idLenFieldOff] = byte(len(newId))
		idOff++
	case oldIL && !newIL:
		removeGap(buf, cur, idLenFieldOff, 1)
		buf[m.offset] &^= bitIL
		idOff--
	case oldIL && newIL:
		buf[idLenFieldOff] = byte(len(newId))
	}

	if rerr := resizeField(buf, maxSize, cur, idOff, m.idLen, uint32(len(newId))); rerr != nil {
		rerr.Op = "ReplaceId"
		return rerr
	}
	copy(buf[idOff:idOff+uint32(len(newId))], newId)
	return nil
}

// resizeField grows or shrinks the field at [at, at+oldLen) to newLen,
// shifting everything after it.
func resizeField(buf []byte, maxSize uint32, cur *uint32, at, oldLen, newLen uint32) *Error {
	if newLen > oldLen {
		return insertGap(buf, maxSize, cur, at+oldLen, newLen-oldLen)
	}
	if newLen < oldLen {
		removeGap(buf, cur, at+newLen, oldLen-newLen)
	}
	return nil
}

// RemoveRecord deletes the record at index. If it was the first record, MB
// moves to the new first record; if it was the last, ME moves to the new
// last record.
func RemoveRecord(buf []byte, cur *uint32, index int) error {
	m, err := locate(buf, *cur, index)
	if err != nil {
		err.Op = "RemoveRecord"
		return err
	}
	wasFirst := index == 0
	wasLast := m.ME()

	removeGap(buf, cur, m.offset, m.wireLen)

	if *cur == 0 {
		return nil
	}
	if wasFirst {
		buf[0] |= bitMB
	}
	if wasLast {
		lastOff, lerr := lastRecordOffset(buf, *cur)
		if lerr != nil {
			lerr.Op = "RemoveRecord"
			return lerr
		}
		buf[lastOff] |= bitME
	}
	return nil
}

// CopyAndDechunk validates src (allowing chunks) and re-emits it into dst
// with every Unchanged continuation folded into its preceding record's
// payload via AppendPayload, producing a chunk-free equivalent message.
func CopyAndDechunk(src []byte, dst []byte, maxSize uint32) (uint32, error) {
	if err := Validate(src, true); err != nil {
		return 0, err
	}

	var cur uint32
	Init(dst, maxSize, &cur)

	c := NewCursor(src)
	haveOpen := false
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		if v.TNF() == TNFUnchanged {
			if !haveOpen {
				return 0, newErr("CopyAndDechunk", ErrUnexpectedChunk)
			}
			lastIndex, cerr := Count(dst[:cur])
			if cerr != nil {
				return 0, &Error{Op: "CopyAndDechunk", Code: ErrUnexpectedChunk, Cause: cerr}
			}
			if err := AppendPayload(dst, maxSize, &cur, lastIndex-1, v.Payload()); err != nil {
				return 0, err
			}
		} else {
			if err := AddRecord(dst, maxSize, &cur, v.TNF(), v.Type(), v.ID(), v.Payload()); err != nil {
				return 0, err
			}
			haveOpen = true
		}
	}
	return cur, nil
}
