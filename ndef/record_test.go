package ndef

import "testing"

func TestParseRecordAtTooShort(t *testing.T) {
	buf := []byte{0xD1, 0x01}
	if _, err := parseRecordAt(buf, 0, uint32(len(buf))); err == nil || err.Code != ErrTooShort {
		t.Fatalf("got %v, want ErrTooShort", err)
	}
}

func TestParseRecordAtLengthMismatch(t *testing.T) {
	// SR record claiming a 10-byte payload but only 2 bytes follow.
	buf := []byte{0xD1, 0x01, 0x0A, 'U', 0x00, 0x01}
	if _, err := parseRecordAt(buf, 0, uint32(len(buf))); err == nil || err.Code != ErrLengthMismatch {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestViewFieldOrderTypeIdPayload(t *testing.T) {
	// MB+ME+SR+IL, TNF=WellKnown, type="U" id="x" payload="hi"
	buf := []byte{
		0xD9, 0x01, 0x02, 0x01,
		'U', 'x', 'h', 'i',
	}
	m, err := parseRecordAt(buf, 0, uint32(len(buf)))
	if err != nil {
		t.Fatalf("parseRecordAt: %v", err)
	}
	v := View{buf: buf, meta: m}
	if got := string(v.Type()); got != "U" {
		t.Fatalf("Type() = %q, want %q", got, "U")
	}
	if got := string(v.ID()); got != "x" {
		t.Fatalf("ID() = %q, want %q", got, "x")
	}
	if got := string(v.Payload()); got != "hi" {
		t.Fatalf("Payload() = %q, want %q", got, "hi")
	}
}
