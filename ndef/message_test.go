package ndef

import (
	"bytes"
	"testing"
)

func TestScenarioURLRecord(t *testing.T) {
	buf := []byte{0xD1, 0x01, 0x0C, 0x55, 0x04, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm'}
	if err := Validate(buf, false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	v, err := GetByIndex(buf, 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	uri, err := ReadURI(v.Payload())
	if err != nil {
		t.Fatalf("ReadURI: %v", err)
	}
	if uri != "https://example.com" {
		t.Fatalf("ReadURI = %q, want %q", uri, "https://example.com")
	}
}

func TestScenarioTextRecord(t *testing.T) {
	buf := []byte{0xD1, 0x01, 0x05, 0x54, 0x02, 'e', 'n', 'H', 'i'}
	if err := Validate(buf, false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	v, err := GetByIndex(buf, 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	lang, text, enc, err := ReadText(v.Payload())
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if lang != "en" || string(text) != "Hi" || enc != TextUTF8 {
		t.Fatalf("ReadText = (%q, %q, %v), want (en, Hi, UTF8)", lang, text, enc)
	}
}

func TestWriteURIRoundTrip(t *testing.T) {
	for _, uri := range []string{"https://example.com", "http://www.example.com", "tel:+15551234", "ftp://ftp.example.com/x"} {
		payload := WriteURI(uri)
		got, err := ReadURI(payload)
		if err != nil {
			t.Fatalf("ReadURI: %v", err)
		}
		if got != uri {
			t.Fatalf("round trip %q -> %q", uri, got)
		}
	}
}

func TestWriteTextRoundTrip(t *testing.T) {
	payload := WriteText("en", []byte("Hi"), TextUTF8)
	lang, text, enc, err := ReadText(payload)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if lang != "en" || string(text) != "Hi" || enc != TextUTF8 {
		t.Fatalf("got (%q, %q, %v)", lang, text, enc)
	}
}

func TestAddRecordSingleRecordFlags(t *testing.T) {
	buf := make([]byte, 256)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("U"), nil, []byte("hi")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	v, err := GetByIndex(buf[:cur], 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if !v.MB() || !v.ME() {
		t.Fatalf("single record must have MB=1 ME=1, got MB=%v ME=%v", v.MB(), v.ME())
	}
}

func TestAddRecordTwoRecordsMBMEPlacement(t *testing.T) {
	buf := make([]byte, 256)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("U"), nil, []byte("a")); err != nil {
		t.Fatalf("AddRecord 1: %v", err)
	}
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, []byte("b")); err != nil {
		t.Fatalf("AddRecord 2: %v", err)
	}
	if err := Validate(buf[:cur], false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	first, _ := GetByIndex(buf[:cur], 0)
	second, _ := GetByIndex(buf[:cur], 1)
	if !first.MB() || first.ME() {
		t.Fatalf("first record MB=%v ME=%v, want MB=true ME=false", first.MB(), first.ME())
	}
	if second.MB() || !second.ME() {
		t.Fatalf("second record MB=%v ME=%v, want MB=false ME=true", second.MB(), second.ME())
	}
}

func TestAppendPayloadThenReplacePayloadIdentity(t *testing.T) {
	buf := make([]byte, 512)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, []byte("hello")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	before := append([]byte(nil), buf[:cur]...)

	if err := AppendPayload(buf, uint32(len(buf)), &cur, 0, []byte(" world")); err != nil {
		t.Fatalf("AppendPayload: %v", err)
	}
	v, err := GetByIndex(buf[:cur], 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if string(v.Payload()) != "hello world" {
		t.Fatalf("Payload = %q, want %q", v.Payload(), "hello world")
	}

	if err := ReplacePayload(buf, uint32(len(buf)), &cur, 0, []byte("hello")); err != nil {
		t.Fatalf("ReplacePayload: %v", err)
	}
	if !bytes.Equal(buf[:cur], before) {
		t.Fatalf("buffer not restored to original after ReplacePayload(old)")
	}
}

func TestRemoveRecordThenReinsertIdentity(t *testing.T) {
	buf := make([]byte, 512)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("U"), nil, []byte("a")); err != nil {
		t.Fatalf("AddRecord 1: %v", err)
	}
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, []byte("b")); err != nil {
		t.Fatalf("AddRecord 2: %v", err)
	}
	before := append([]byte(nil), buf[:cur]...)

	if err := RemoveRecord(buf, &cur, 1); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, []byte("b")); err != nil {
		t.Fatalf("re-AddRecord: %v", err)
	}
	if !bytes.Equal(buf[:cur], before) {
		t.Fatalf("buffer not restored after remove+reinsert")
	}
}

func TestSRPromotionExactlyThreeBytes(t *testing.T) {
	buf := make([]byte, 2048)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, bytes.Repeat([]byte{'a'}, 255)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	before := cur

	if err := AppendPayload(buf, uint32(len(buf)), &cur, 0, []byte{'b'}); err != nil {
		t.Fatalf("AppendPayload: %v", err)
	}
	if cur != before+1+3 {
		t.Fatalf("cur grew by %d, want %d (1 payload byte + 3 length-field bytes)", cur-before, 4)
	}
	v, err := GetByIndex(buf[:cur], 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if v.SR() {
		t.Fatal("expected SR to be cleared after promotion past 255 bytes")
	}
	if len(v.Payload()) != 256 {
		t.Fatalf("payload length = %d, want 256", len(v.Payload()))
	}
}

func TestSRDemotionExactlyThreeBytes(t *testing.T) {
	buf := make([]byte, 2048)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), nil, bytes.Repeat([]byte{'a'}, 256)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	v0, _ := GetByIndex(buf[:cur], 0)
	if v0.SR() {
		t.Fatal("256-byte payload should start non-SR")
	}
	before := cur

	if err := ReplacePayload(buf, uint32(len(buf)), &cur, 0, bytes.Repeat([]byte{'a'}, 255)); err != nil {
		t.Fatalf("ReplacePayload: %v", err)
	}
	if before-cur != 4 {
		t.Fatalf("cur shrank by %d, want 4 (1 payload byte + 3 length-field bytes)", before-cur)
	}
	v, err := GetByIndex(buf[:cur], 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if !v.SR() {
		t.Fatal("expected SR to be set after demotion to 255 bytes")
	}
}

func TestValidateRejectsNonEmptyEmptyRecord(t *testing.T) {
	// TNF=Empty but type-length nonzero.
	buf := []byte{0xD0, 0x01, 0x00, 'U'}
	if err := Validate(buf, false); err == nil {
		t.Fatal("expected error for Empty record with nonzero type length")
	} else if e, ok := err.(*Error); !ok || e.Code != ErrInvalidEmptyRecord {
		t.Fatalf("got %v, want ErrInvalidEmptyRecord", err)
	}
}

func TestValidateRejectsUnknownWithTypeLength(t *testing.T) {
	// TNF=Unknown (5) with nonzero type length.
	buf := []byte{0xD5, 0x01, 0x01, 'X', 'a'}
	if err := Validate(buf, false); err == nil {
		t.Fatal("expected error for Unknown record with nonzero type length")
	} else if e, ok := err.(*Error); !ok || e.Code != ErrLengthMismatch {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestCopyAndDechunkFoldsContinuations(t *testing.T) {
	src := make([]byte, 512)
	var cur uint32
	Init(src, uint32(len(src)), &cur)
	// First fragment: CF=1, TNF=WellKnown, type="T".
	if err := AddRecord(src, uint32(len(src)), &cur, TNFWellKnown, []byte("T"), nil, []byte("hel")); err != nil {
		t.Fatalf("AddRecord fragment 1: %v", err)
	}
	// Manually mark it CF=1 and clear ME (it is the only record so far but
	// not final).
	src[0] |= bitCF
	src[0] &^= bitME

	// Continuation: TNF=Unchanged, no type/id, CF=0 (last fragment), ME=1.
	if err := AddRecord(src, uint32(len(src)), &cur, TNFUnchanged, nil, nil, []byte("lo")); err != nil {
		t.Fatalf("AddRecord continuation: %v", err)
	}

	if err := Validate(src[:cur], true); err != nil {
		t.Fatalf("Validate chunked src: %v", err)
	}

	dst := make([]byte, 512)
	n, err := CopyAndDechunk(src[:cur], dst, uint32(len(dst)))
	if err != nil {
		t.Fatalf("CopyAndDechunk: %v", err)
	}
	if err := Validate(dst[:n], false); err != nil {
		t.Fatalf("Validate dechunked dst: %v", err)
	}
	v, err := GetByIndex(dst[:n], 0)
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if string(v.Payload()) != "hello" {
		t.Fatalf("dechunked payload = %q, want %q", v.Payload(), "hello")
	}
}

func TestRecordLengthSumInvariant(t *testing.T) {
	buf := make([]byte, 512)
	var cur uint32
	Init(buf, uint32(len(buf)), &cur)
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("U"), nil, []byte("a")); err != nil {
		t.Fatalf("AddRecord 1: %v", err)
	}
	if err := AddRecord(buf, uint32(len(buf)), &cur, TNFWellKnown, []byte("T"), []byte("id"), []byte("bcd")); err != nil {
		t.Fatalf("AddRecord 2: %v", err)
	}
	var sum uint32
	c := NewCursor(buf[:cur])
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		sum += v.WireLength()
	}
	if sum != cur {
		t.Fatalf("sum of record wire lengths = %d, want %d", sum, cur)
	}
}
