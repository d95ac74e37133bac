package cho

import (
	"bytes"
	"testing"

	"github.com/dotside-studios/nfc-cho-core/ndef"
)

func TestBuildAndParseHrRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	ac := []AcInfo{{CPS: CPSActive, CarrierDataRef: "0"}}
	carriers := []CarrierRecord{
		{TNF: ndef.TNFMedia, Type: []byte(mediaBtOob), ID: []byte("0"), Payload: []byte{0x08, 0x00, 1, 2, 3, 4, 5, 6}},
	}
	n, err := BuildHr(buf, uint32(len(buf)), 0x12, 0xBEEF, ac, carriers)
	if err != nil {
		t.Fatalf("BuildHr: %v", err)
	}
	msg := buf[:n]

	if GetMsgType(msg) != MsgHr {
		t.Fatalf("GetMsgType = %v, want MsgHr", GetMsgType(msg))
	}

	parsed, err := ParseHr(msg)
	if err != nil {
		t.Fatalf("ParseHr: %v", err)
	}
	if parsed.Version != 0x12 {
		t.Fatalf("Version = %#x, want 0x12", parsed.Version)
	}
	if parsed.Random != 0xBEEF {
		t.Fatalf("Random = %#x, want 0xBEEF", parsed.Random)
	}
	if len(parsed.Carriers) != 1 || parsed.Carriers[0].Ac.CarrierDataRef != "0" {
		t.Fatalf("Carriers = %+v", parsed.Carriers)
	}
	if !bytes.Equal(parsed.Carriers[0].Record.Payload(), carriers[0].Payload) {
		t.Fatalf("resolved carrier payload mismatch")
	}

	random, err := GetRandomNumber(msg)
	if err != nil || random != 0xBEEF {
		t.Fatalf("GetRandomNumber = %#x, %v", random, err)
	}
	if err := UpdateRandomNumber(msg, 0x1234); err != nil {
		t.Fatalf("UpdateRandomNumber: %v", err)
	}
	random, err = GetRandomNumber(msg)
	if err != nil || random != 0x1234 {
		t.Fatalf("GetRandomNumber after update = %#x, %v", random, err)
	}
}

func TestBuildAndParseHsRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	ac := []AcInfo{{CPS: CPSActive, CarrierDataRef: "w"}}
	carriers := []CarrierRecord{
		{TNF: ndef.TNFMedia, Type: []byte(mediaWifi), ID: []byte("w"), Payload: []byte{0x10, 0x45, 0x00, 0x02, 'x', 'y'}},
	}
	n, err := BuildHs(buf, uint32(len(buf)), 0x10, ac, carriers)
	if err != nil {
		t.Fatalf("BuildHs: %v", err)
	}
	msg := buf[:n]
	if GetMsgType(msg) != MsgHs {
		t.Fatalf("GetMsgType = %v, want MsgHs", GetMsgType(msg))
	}
	parsed, err := ParseHs(msg)
	if err != nil {
		t.Fatalf("ParseHs: %v", err)
	}
	if parsed.Err != nil {
		t.Fatalf("unexpected Err: %+v", parsed.Err)
	}
	if len(parsed.Carriers) != 1 {
		t.Fatalf("Carriers = %+v", parsed.Carriers)
	}
}

func TestBuildHsErrorRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	n, err := BuildHsError(buf, uint32(len(buf)), 0x10, ErrTemporaryMemory, []byte{0x05})
	if err != nil {
		t.Fatalf("BuildHsError: %v", err)
	}
	msg := buf[:n]
	parsed, err := ParseHs(msg)
	if err != nil {
		t.Fatalf("ParseHs: %v", err)
	}
	if parsed.Err == nil || parsed.Err.Reason != ErrTemporaryMemory {
		t.Fatalf("Err = %+v, want ErrTemporaryMemory", parsed.Err)
	}
	if !bytes.Equal(parsed.Err.Data, []byte{0x05}) {
		t.Fatalf("Err.Data = %v, want [5]", parsed.Err.Data)
	}
}

func TestParseHrMissingCarrierReferenceFails(t *testing.T) {
	buf := make([]byte, 256)
	ac := []AcInfo{{CPS: CPSActive, CarrierDataRef: "missing"}}
	n, err := BuildHr(buf, uint32(len(buf)), 0x12, 1, ac, nil)
	if err != nil {
		t.Fatalf("BuildHr: %v", err)
	}
	if _, err := ParseHr(buf[:n]); err != ErrFailed {
		t.Fatalf("ParseHr = %v, want ErrFailed", err)
	}
}

func TestParseSimplifiedBtOob(t *testing.T) {
	payload := []byte{0x08, 0x00, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x02, 0x01, 0x04}
	got, err := ParseSimplifiedBtOob(payload)
	if err != nil {
		t.Fatalf("ParseSimplifiedBtOob: %v", err)
	}
	want := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	if got.Addr != want {
		t.Fatalf("Addr = %v, want %v", got.Addr, want)
	}
	if !bytes.Equal(got.EirData, []byte{0x02, 0x01, 0x04}) {
		t.Fatalf("EirData = %v", got.EirData)
	}
}

func TestParseSimplifiedWifi(t *testing.T) {
	var payload []byte
	appendTLV := func(typ uint16, val []byte) {
		payload = append(payload, byte(typ>>8), byte(typ), byte(len(val)>>8), byte(len(val)))
		payload = append(payload, val...)
	}
	appendTLV(wscTypeSSID, []byte("home"))
	appendTLV(wscTypeNetworkKey, []byte("s3cr3t"))
	appendTLV(wscTypeAuthType, []byte{0x00, 0x20})

	got, err := ParseSimplifiedWifi(payload)
	if err != nil {
		t.Fatalf("ParseSimplifiedWifi: %v", err)
	}
	if string(got.SSID) != "home" || string(got.NetworkKey) != "s3cr3t" || got.AuthType != 0x20 {
		t.Fatalf("got %+v", got)
	}
}
