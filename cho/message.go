// Package cho implements the Connection Handover message assembler
// (spec.md §4.C) and the CHO session state machine (spec.md §4.D): building
// and parsing Hr/Hs handover messages, the two-peer collision-resolution
// algorithm, and the Idle/W4CC/Connected state transitions driven by LLCP
// events.
package cho

import (
	"encoding/binary"
	"errors"

	"github.com/dotside-studios/nfc-cho-core/ndef"
)

// ErrFailed is returned by the parsers of this package when a handover
// message is structurally sound NDEF but fails a CHO-specific contract: a
// missing cr/ac record, a malformed ac payload, or a carrier reference that
// does not resolve to a record in the outer message.
var ErrFailed = errors.New("cho: failed")

// ErrNotHandover is returned when the outer message's first record is not
// an Hr or Hs record, as ParseHr/ParseHs respectively require.
var ErrNotHandover = errors.New("cho: not a handover message")

// CarrierPowerState is the one-byte CPS field of an ac record, per spec.md §4.C.
type CarrierPowerState byte

const (
	CPSInactive   CarrierPowerState = 0
	CPSActive     CarrierPowerState = 1
	CPSActivating CarrierPowerState = 2
	CPSUnknown    CarrierPowerState = 3
)

// AcInfo is one alternative-carrier entry inside an Hr or Hs sub-message.
type AcInfo struct {
	CPS            CarrierPowerState
	CarrierDataRef string
	AuxDataRefs    []string
}

// CarrierRecord is a carrier-configuration record (e.g. BT-OOB, WiFi-WSC)
// that follows the outer Hr/Hs record, identified by an id matching some
// AcInfo.CarrierDataRef.
type CarrierRecord struct {
	TNF     ndef.TNF
	Type    []byte
	ID      []byte
	Payload []byte
}

// ResolvedCarrier pairs a parsed AcInfo with the outer-message record its
// CarrierDataRef resolved to.
type ResolvedCarrier struct {
	Ac     AcInfo
	Record ndef.View
}

// ErrorReason is the one-byte reason code of an Hs err record.
type ErrorReason byte

const (
	ErrTemporaryMemory ErrorReason = 0
	ErrPermanentMemory ErrorReason = 1
	ErrCarrierRefused  ErrorReason = 2
)

// HsError is the parsed content of an Hs message's err record.
type HsError struct {
	Reason ErrorReason
	Data   []byte
}

// HrMessage is the parsed content of a Handover Request message.
type HrMessage struct {
	Version  byte
	Random   uint16
	Carriers []ResolvedCarrier
}

// HsMessage is the parsed content of a Handover Select message. Err is
// non-nil when the message carries an err record instead of ac entries.
type HsMessage struct {
	Version  byte
	Carriers []ResolvedCarrier
	Err      *HsError
}

// MsgType is the result of probing an outer message's first record, per
// GetMsgType.
type MsgType int

const (
	MsgUnknown MsgType = iota
	MsgHr
	MsgHs
	MsgBtOob
	MsgWifi
)

const (
	mediaBtOob = "application/vnd.bluetooth.ep.oob"
	mediaWifi  = "application/vnd.wfa.wsc"
)

func encodeAc(a AcInfo) []byte {
	out := make([]byte, 0, 3+len(a.CarrierDataRef))
	out = append(out, byte(a.CPS), byte(len(a.CarrierDataRef)))
	out = append(out, a.CarrierDataRef...)
	out = append(out, byte(len(a.AuxDataRefs)))
	for _, aux := range a.AuxDataRefs {
		out = append(out, byte(len(aux)))
		out = append(out, aux...)
	}
	return out
}

func decodeAc(payload []byte) (AcInfo, error) {
	if len(payload) < 2 {
		return AcInfo{}, ErrFailed
	}
	a := AcInfo{CPS: CarrierPowerState(payload[0])}
	refLen := int(payload[1])
	pos := 2
	if pos+refLen > len(payload) {
		return AcInfo{}, ErrFailed
	}
	a.CarrierDataRef = string(payload[pos : pos+refLen])
	pos += refLen

	if pos >= len(payload) {
		return AcInfo{}, ErrFailed
	}
	auxCount := int(payload[pos])
	pos++
	for i := 0; i < auxCount; i++ {
		if pos >= len(payload) {
			return AcInfo{}, ErrFailed
		}
		l := int(payload[pos])
		pos++
		if pos+l > len(payload) {
			return AcInfo{}, ErrFailed
		}
		a.AuxDataRefs = append(a.AuxDataRefs, string(payload[pos:pos+l]))
		pos += l
	}
	return a, nil
}

func buildSubMessage(maxSize uint32, build func(sub []byte, cur *uint32) error) ([]byte, error) {
	sub := make([]byte, maxSize)
	var cur uint32
	ndef.Init(sub, maxSize, &cur)
	if err := build(sub, &cur); err != nil {
		return nil, err
	}
	return sub[:cur], nil
}

// BuildHr assembles a Handover Request message into buf: an outer Hr record
// (version + embedded cr/ac sub-message) followed by the caller's carrier
// configuration records. Returns the total message length.
func BuildHr(buf []byte, maxSize uint32, version byte, random uint16, acInfos []AcInfo, carriers []CarrierRecord) (uint32, error) {
	sub, err := buildSubMessage(maxSize, func(sub []byte, cur *uint32) error {
		if err := ndef.AddRecord(sub, maxSize, cur, ndef.TNFWellKnown, []byte("cr"), nil, []byte{byte(random >> 8), byte(random)}); err != nil {
			return err
		}
		for _, a := range acInfos {
			if err := ndef.AddRecord(sub, maxSize, cur, ndef.TNFWellKnown, []byte("ac"), nil, encodeAc(a)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return buildOuter(buf, maxSize, "Hr", version, sub, carriers)
}

// BuildHs assembles a Handover Select message: an outer Hs record (version +
// embedded ac sub-message, no cr) followed by carrier records.
func BuildHs(buf []byte, maxSize uint32, version byte, acInfos []AcInfo, carriers []CarrierRecord) (uint32, error) {
	sub, err := buildSubMessage(maxSize, func(sub []byte, cur *uint32) error {
		for _, a := range acInfos {
			if err := ndef.AddRecord(sub, maxSize, cur, ndef.TNFWellKnown, []byte("ac"), nil, encodeAc(a)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return buildOuter(buf, maxSize, "Hs", version, sub, carriers)
}

// BuildHsError assembles a Handover Select error message: an outer Hs
// record whose sub-message is a single err record, no carrier records.
func BuildHsError(buf []byte, maxSize uint32, version byte, reason ErrorReason, data []byte) (uint32, error) {
	sub, err := buildSubMessage(maxSize, func(sub []byte, cur *uint32) error {
		payload := append([]byte{byte(reason)}, data...)
		return ndef.AddRecord(sub, maxSize, cur, ndef.TNFWellKnown, []byte("err"), nil, payload)
	})
	if err != nil {
		return 0, err
	}
	return buildOuter(buf, maxSize, "Hs", version, sub, nil)
}

func buildOuter(buf []byte, maxSize uint32, typ string, version byte, sub []byte, carriers []CarrierRecord) (uint32, error) {
	var cur uint32
	ndef.Init(buf, maxSize, &cur)
	payload := make([]byte, 0, 1+len(sub))
	payload = append(payload, version)
	payload = append(payload, sub...)
	if err := ndef.AddRecord(buf, maxSize, &cur, ndef.TNFWellKnown, []byte(typ), nil, payload); err != nil {
		return 0, err
	}
	for _, c := range carriers {
		if err := ndef.AddRecord(buf, maxSize, &cur, c.TNF, c.Type, c.ID, c.Payload); err != nil {
			return 0, err
		}
	}
	return cur, nil
}

func resolveCarriers(outer []byte, acs []AcInfo) ([]ResolvedCarrier, error) {
	out := make([]ResolvedCarrier, 0, len(acs))
	for _, a := range acs {
		v, ok := ndef.FindById(outer, []byte(a.CarrierDataRef))
		if !ok {
			return nil, ErrFailed
		}
		out = append(out, ResolvedCarrier{Ac: a, Record: v})
	}
	return out, nil
}

// ParseHr validates outer as NDEF, requires its first record to be a
// WellKnown "Hr" record, and parses its embedded cr/ac sub-message,
// resolving each ac's carrier reference against the outer message.
func ParseHr(outer []byte) (*HrMessage, error) {
	if err := ndef.Validate(outer, false); err != nil {
		return nil, err
	}
	first, err := ndef.GetByIndex(outer, 0)
	if err != nil {
		return nil, err
	}
	if first.TNF() != ndef.TNFWellKnown || string(first.Type()) != "Hr" {
		return nil, ErrNotHandover
	}
	payload := first.Payload()
	if len(payload) < 1 {
		return nil, ErrFailed
	}
	version := payload[0]
	sub := payload[1:]
	if err := ndef.Validate(sub, false); err != nil {
		return nil, err
	}

	var random uint16
	haveRandom := false
	var acs []AcInfo
	c := ndef.NewCursor(sub)
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		switch string(v.Type()) {
		case "cr":
			if len(v.Payload()) != 2 {
				return nil, ErrFailed
			}
			random = binary.BigEndian.Uint16(v.Payload())
			haveRandom = true
		case "ac":
			a, aerr := decodeAc(v.Payload())
			if aerr != nil {
				return nil, aerr
			}
			acs = append(acs, a)
		}
	}
	if !haveRandom {
		return nil, ErrFailed
	}
	carriers, rerr := resolveCarriers(outer, acs)
	if rerr != nil {
		return nil, rerr
	}
	return &HrMessage{Version: version, Random: random, Carriers: carriers}, nil
}

// ParseHs validates outer as NDEF, requires its first record to be a
// WellKnown "Hs" record, and parses either its embedded ac sub-message or
// its err record.
func ParseHs(outer []byte) (*HsMessage, error) {
	if err := ndef.Validate(outer, false); err != nil {
		return nil, err
	}
	first, err := ndef.GetByIndex(outer, 0)
	if err != nil {
		return nil, err
	}
	if first.TNF() != ndef.TNFWellKnown || string(first.Type()) != "Hs" {
		return nil, ErrNotHandover
	}
	payload := first.Payload()
	if len(payload) < 1 {
		return nil, ErrFailed
	}
	version := payload[0]
	sub := payload[1:]
	if len(sub) == 0 {
		return &HsMessage{Version: version}, nil
	}
	if err := ndef.Validate(sub, false); err != nil {
		return nil, err
	}

	var acs []AcInfo
	var hsErr *HsError
	c := ndef.NewCursor(sub)
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		switch string(v.Type()) {
		case "ac":
			a, aerr := decodeAc(v.Payload())
			if aerr != nil {
				return nil, aerr
			}
			acs = append(acs, a)
		case "err":
			p := v.Payload()
			if len(p) < 1 {
				return nil, ErrFailed
			}
			hsErr = &HsError{Reason: ErrorReason(p[0]), Data: append([]byte(nil), p[1:]...)}
		}
	}
	if hsErr != nil {
		return &HsMessage{Version: version, Err: hsErr}, nil
	}
	carriers, rerr := resolveCarriers(outer, acs)
	if rerr != nil {
		return nil, rerr
	}
	return &HsMessage{Version: version, Carriers: carriers}, nil
}

// BtOob is the simplified parse of a Bluetooth OOB carrier record's payload:
// the OOB data length field, the device address, and the remaining
// Extended Inquiry Response data, left undecoded.
type BtOob struct {
	Len     uint16
	Addr    [6]byte
	EirData []byte
}

// ParseSimplifiedBtOob decodes the fixed-size prefix of a
// "application/vnd.bluetooth.ep.oob" carrier payload: a little-endian
// 2-byte length field and a 6-byte device address, per the Bluetooth OOB
// data format referenced by spec.md §4.C.
func ParseSimplifiedBtOob(payload []byte) (*BtOob, error) {
	if len(payload) < 8 {
		return nil, ErrFailed
	}
	var b BtOob
	b.Len = binary.LittleEndian.Uint16(payload[0:2])
	copy(b.Addr[:], payload[2:8])
	b.EirData = payload[8:]
	return &b, nil
}

// WifiCredential is the simplified parse of a WSC carrier record: the SSID,
// network key, and authentication type TLVs, ignoring the rest.
type WifiCredential struct {
	SSID       []byte
	NetworkKey []byte
	AuthType   uint16
}

const (
	wscTypeAuthType   = 0x1003
	wscTypeNetworkKey = 0x1027
	wscTypeSSID       = 0x1045
)

// ParseSimplifiedWifi walks a "application/vnd.wfa.wsc" carrier payload's
// TLV stream (2-byte big-endian type, 2-byte big-endian length, value) and
// extracts the three TLVs a handover consumer actually needs.
func ParseSimplifiedWifi(payload []byte) (*WifiCredential, error) {
	var out WifiCredential
	pos := 0
	for pos+4 <= len(payload) {
		typ := binary.BigEndian.Uint16(payload[pos : pos+2])
		length := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += 4
		if pos+length > len(payload) {
			return nil, ErrFailed
		}
		val := payload[pos : pos+length]
		switch typ {
		case wscTypeSSID:
			out.SSID = append([]byte(nil), val...)
		case wscTypeNetworkKey:
			out.NetworkKey = append([]byte(nil), val...)
		case wscTypeAuthType:
			if len(val) == 2 {
				out.AuthType = binary.BigEndian.Uint16(val)
			}
		}
		pos += length
	}
	return &out, nil
}

// GetRandomNumber locates the outer message's Hr sub-message cr record and
// returns its two-byte value.
func GetRandomNumber(outer []byte) (uint16, error) {
	cr, err := findCr(outer)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(cr), nil
}

// UpdateRandomNumber rewrites the outer message's cr value in place; the
// field is fixed at 2 bytes so no record needs to grow or shrink.
func UpdateRandomNumber(outer []byte, newValue uint16) error {
	cr, err := findCr(outer)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(cr, newValue)
	return nil
}

func findCr(outer []byte) ([]byte, error) {
	first, err := ndef.GetByIndex(outer, 0)
	if err != nil {
		return nil, err
	}
	payload := first.Payload()
	if len(payload) < 1 {
		return nil, ErrFailed
	}
	sub := payload[1:]
	v, ok := ndef.FindByType(sub, ndef.TNFWellKnown, []byte("cr"))
	if !ok {
		return nil, ErrFailed
	}
	p := v.Payload()
	if len(p) != 2 {
		return nil, ErrFailed
	}
	return p, nil
}

// GetMsgType probes an outer message's first record to classify it without
// fully parsing the sub-message.
func GetMsgType(msg []byte) MsgType {
	v, err := ndef.GetByIndex(msg, 0)
	if err != nil {
		return MsgUnknown
	}
	switch v.TNF() {
	case ndef.TNFWellKnown:
		switch string(v.Type()) {
		case "Hr":
			return MsgHr
		case "Hs":
			return MsgHs
		}
	case ndef.TNFMedia:
		switch string(v.Type()) {
		case mediaBtOob:
			return MsgBtOob
		case mediaWifi:
			return MsgWifi
		}
	}
	return MsgUnknown
}
