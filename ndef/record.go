package ndef

import "encoding/binary"

// TNF is the 3-bit Type Name Format classification of a record's type, per
// spec.md §6.
type TNF byte

const (
	TNFEmpty       TNF = 0
	TNFWellKnown   TNF = 1
	TNFMedia       TNF = 2
	TNFAbsoluteURI TNF = 3
	TNFExternal    TNF = 4
	TNFUnknown     TNF = 5
	TNFUnchanged   TNF = 6
	TNFReserved    TNF = 7
)

// Header bit layout, per spec.md §6: bit7=MB, bit6=ME, bit5=CF, bit4=SR,
// bit3=IL, bits2..0=TNF.
const (
	bitMB byte = 1 << 7
	bitME byte = 1 << 6
	bitCF byte = 1 << 5
	bitSR byte = 1 << 4
	bitIL byte = 1 << 3
	maskTNF byte = 0x07
)

func encodeHeader(mb, me, cf, sr, il bool, tnf TNF) byte {
	var b byte
	if mb {
		b |= bitMB
	}
	if me {
		b |= bitME
	}
	if cf {
		b |= bitCF
	}
	if sr {
		b |= bitSR
	}
	if il {
		b |= bitIL
	}
	b |= byte(tnf) & maskTNF
	return b
}

// recordMeta is the result of bounds-checked parsing of one record's fixed
// fields. Every offset is relative to the start of the enclosing buffer.
type recordMeta struct {
	offset      uint32
	header      byte
	typeLen     uint32
	payloadLen  uint32
	idLen       uint32
	prefixLen   uint32 // bytes from offset up to (not including) the payload
	wireLen     uint32 // prefixLen + payloadLen
}

func (m recordMeta) MB() bool  { return m.header&bitMB != 0 }
func (m recordMeta) ME() bool  { return m.header&bitME != 0 }
func (m recordMeta) CF() bool  { return m.header&bitCF != 0 }
func (m recordMeta) SR() bool  { return m.header&bitSR != 0 }
func (m recordMeta) IL() bool  { return m.header&bitIL != 0 }
func (m recordMeta) TNF() TNF  { return TNF(m.header & maskTNF) }

// parseRecordAt bounds-checks and parses one record's fixed fields starting
// at offset, against a buffer whose meaningful content ends at limit (the
// current_size cursor, not necessarily len(buf)). It never reads outside
// buf[offset:limit] and never panics on truncated input.
func parseRecordAt(buf []byte, offset, limit uint32) (recordMeta, *Error) {
	var m recordMeta
	m.offset = offset

	if offset >= limit {
		return m, newErr("parseRecordAt", ErrTooShort)
	}
	m.header = buf[offset]
	pos := offset + 1

	if pos >= limit {
		return m, newErr("parseRecordAt", ErrTooShort)
	}
	m.typeLen = uint32(buf[pos])
	pos++

	if m.SR() {
		if pos >= limit {
			return m, newErr("parseRecordAt", ErrTooShort)
		}
		m.payloadLen = uint32(buf[pos])
		pos++
	} else {
		if pos+4 > limit {
			return m, newErr("parseRecordAt", ErrTooShort)
		}
		m.payloadLen = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}

	if m.IL() {
		if pos >= limit {
			return m, newErr("parseRecordAt", ErrTooShort)
		}
		m.idLen = uint32(buf[pos])
		pos++
	}

	m.prefixLen = pos - offset + m.typeLen + m.idLen
	// payloadLen comes straight off the wire and can be up to 0xFFFFFFFF;
	// compare against remaining space rather than adding, since
	// pos+typeLen+idLen+payloadLen can overflow uint32 and wrap below limit.
	if m.typeLen > limit-pos || m.idLen > limit-pos-m.typeLen {
		return m, newErr("parseRecordAt", ErrLengthMismatch)
	}
	if m.payloadLen > limit-(pos+m.typeLen+m.idLen) {
		return m, newErr("parseRecordAt", ErrLengthMismatch)
	}
	m.wireLen = m.prefixLen + m.payloadLen
	return m, nil
}

// View is a zero-copy accessor over one record inside a buffer, produced by
// Cursor.Next, GetByIndex, FindByType, or FindById. It is only valid for the
// buffer it was produced from and becomes stale after any edit.
type View struct {
	buf  []byte
	meta recordMeta
}

// Offset returns the byte offset of the record's header within the buffer.
func (v View) Offset() uint32 { return v.meta.offset }

// WireLength returns the record's total length on the wire.
func (v View) WireLength() uint32 { return v.meta.wireLen }

func (v View) MB() bool { return v.meta.MB() }
func (v View) ME() bool { return v.meta.ME() }
func (v View) CF() bool { return v.meta.CF() }
func (v View) SR() bool { return v.meta.SR() }
func (v View) IL() bool { return v.meta.IL() }
func (v View) TNF() TNF { return v.meta.TNF() }

// fieldOffsets computes the start of the type bytes, id bytes, and payload
// bytes. Wire order is: header, type-length, payload-length, [id-length],
// type, id, payload (spec.md §3).
func (v View) fieldOffsets() (typeOff, idOff, payloadOff uint32) {
	pos := v.meta.offset + 2 // header + type-length byte
	if v.meta.SR() {
		pos++
	} else {
		pos += 4
	}
	if v.meta.IL() {
		pos++
	}
	typeOff = pos
	idOff = pos + v.meta.typeLen
	payloadOff = idOff + v.meta.idLen
	return
}

// Type returns the record's type bytes, zero-copy.
func (v View) Type() []byte {
	if v.meta.typeLen == 0 {
		return nil
	}
	typeOff, _, _ := v.fieldOffsets()
	return v.buf[typeOff : typeOff+v.meta.typeLen]
}

// ID returns the record's id bytes, zero-copy.
func (v View) ID() []byte {
	if v.meta.idLen == 0 {
		return nil
	}
	_, idOff, _ := v.fieldOffsets()
	return v.buf[idOff : idOff+v.meta.idLen]
}

// Payload returns the record's payload bytes, zero-copy.
func (v View) Payload() []byte {
	if v.meta.payloadLen == 0 {
		return nil
	}
	_, _, payloadOff := v.fieldOffsets()
	return v.buf[payloadOff : payloadOff+v.meta.payloadLen]
}

// Parts returns the record's (TNF, type, id, payload) tuple in one call,
// the RecordParts operation of spec.md §4.A.
func (v View) Parts() (tnf TNF, typ, id, payload []byte) {
	return v.TNF(), v.Type(), v.ID(), v.Payload()
}
