package registry

import (
	"testing"

	"github.com/dotside-studios/nfc-cho-core/ndef"
)

func buildMessage(t *testing.T, records [][3]interface{}) []byte {
	t.Helper()
	buf := make([]byte, 1024)
	var cur uint32
	ndef.Init(buf, uint32(len(buf)), &cur)
	for _, r := range records {
		tnf := r[0].(ndef.TNF)
		typ := r[1].([]byte)
		payload := r[2].([]byte)
		if err := ndef.AddRecord(buf, uint32(len(buf)), &cur, tnf, typ, nil, payload); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	return buf[:cur]
}

func TestDispatchMatchesByTnfAndType(t *testing.T) {
	tbl := NewDefault()
	var got []byte
	if _, err := tbl.Register(ndef.TNFWellKnown, []byte("T"), 0, func(v ndef.View, whole []byte) {
		got = append([]byte(nil), v.Payload()...)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	msg := buildMessage(t, [][3]interface{}{{ndef.TNFWellKnown, []byte("T"), []byte("hi")}})
	if err := tbl.Dispatch(msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("handler got %q, want %q", got, "hi")
	}
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	tbl := NewDefault()
	called := false
	tbl.RegisterDefault(func(v ndef.View, whole []byte) { called = true })

	msg := buildMessage(t, [][3]interface{}{{ndef.TNFWellKnown, []byte("Z"), []byte("x")}})
	if err := tbl.Dispatch(msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatal("default handler was not invoked")
	}
}

func TestDispatchHandleWholeMessageOnce(t *testing.T) {
	tbl := NewDefault()
	count := 0
	if _, err := tbl.Register(ndef.TNFWellKnown, []byte("T"), HandleWholeMessage, func(v ndef.View, whole []byte) {
		count++
		if whole == nil {
			t.Fatal("expected whole-message bytes, got nil")
		}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	msg := buildMessage(t, [][3]interface{}{
		{ndef.TNFWellKnown, []byte("T"), []byte("a")},
		{ndef.TNFWellKnown, []byte("T"), []byte("b")},
	})
	if err := tbl.Dispatch(msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if count != 1 {
		t.Fatalf("HandleWholeMessage callback invoked %d times, want 1", count)
	}
}

func TestDispatchURIAbbreviatedEntryMatchesAbsoluteRecord(t *testing.T) {
	tbl := NewDefault()
	var matched bool
	// Registered with the abbreviated prefix code for "https://".
	if _, err := tbl.Register(0, []byte{0x04}, WktUri, func(v ndef.View, whole []byte) {
		matched = true
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 256)
	var cur uint32
	ndef.Init(buf, uint32(len(buf)), &cur)
	// Identifier code 0x00: the record carries the full URI, no prefix code.
	payload := append([]byte{0x00}, "https://example.com"...)
	if err := ndef.AddRecord(buf, uint32(len(buf)), &cur, ndef.TNFWellKnown, []byte("U"), nil, payload); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	if err := tbl.Dispatch(buf[:cur]); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !matched {
		t.Fatal("expected abbreviated-prefix entry to match an absolute-coded URI record")
	}
}

func TestRegisterTableFull(t *testing.T) {
	tbl := New(2)
	if _, err := tbl.Register(ndef.TNFWellKnown, []byte("A"), 0, func(ndef.View, []byte) {}); err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	if _, err := tbl.Register(ndef.TNFWellKnown, []byte("B"), 0, func(ndef.View, []byte) {}); err != ErrTableFull {
		t.Fatalf("got %v, want ErrTableFull", err)
	}
}

func TestDeregisterFreesSlot(t *testing.T) {
	tbl := New(2)
	h, err := tbl.Register(ndef.TNFWellKnown, []byte("A"), 0, func(ndef.View, []byte) {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tbl.Deregister(h); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := tbl.Register(ndef.TNFWellKnown, []byte("B"), 0, func(ndef.View, []byte) {}); err != nil {
		t.Fatalf("Register after free: %v", err)
	}
}
