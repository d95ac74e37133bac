package tag

import (
	"errors"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-cho-core/internal/clock"
	"github.com/dotside-studios/nfc-cho-core/tag/tagtest"
)

type recordingListener struct {
	departed chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{departed: make(chan struct{}, 1)}
}

func (l *recordingListener) OnTagDeparture() {
	select {
	case l.departed <- struct{}{}:
	default:
	}
}

func newTestSession(t *testing.T, fake *tagtest.Fake) (*Session, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock(time.Unix(0, 0))
	s := NewSession(Config{
		Clock:       fc,
		Activator:   fake,
		Selector:    fake,
		Transceiver: fake,
		Probe:       fake,
	})
	t.Cleanup(s.Close)
	return s, fc
}

func TestCheckNdefReportsTagState(t *testing.T) {
	fake := tagtest.New()
	fake.NdefMsg = []byte{0xD0, 0x00, 0x00}
	fake.MaxLen = 1024
	s, _ := newTestSession(t, fake)

	info, err := s.CheckNdef()
	if err != nil {
		t.Fatalf("CheckNdef: %v", err)
	}
	if !info.IsNdef || info.CurrentLen != 3 || info.MaxLen != 1024 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestReadNdefCopiesMessage(t *testing.T) {
	fake := tagtest.New()
	msg := []byte{0xD1, 0x01, 0x01, 0x55, 0x00}
	fake.NdefMsg = msg
	s, _ := newTestSession(t, fake)

	buf := make([]byte, 16)
	n, err := s.ReadNdef(buf)
	if err != nil {
		t.Fatalf("ReadNdef: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("expected %d bytes, got %d", len(msg), n)
	}
}

func TestReadNdefBufferTooSmall(t *testing.T) {
	fake := tagtest.New()
	fake.NdefMsg = make([]byte, 32)
	s, _ := newTestSession(t, fake)

	_, err := s.ReadNdef(make([]byte, 4))
	var e *Error
	if !errors.As(err, &e) || e.Code != BadLength {
		t.Fatalf("expected BadLength error, got %v", err)
	}
}

func TestWriteNdefRejectsMalformedMessage(t *testing.T) {
	fake := tagtest.New()
	s, _ := newTestSession(t, fake)

	err := s.WriteNdef([]byte{0xD0, 0x01, 0x00, 0x41}) // TNF=Empty with nonzero type length
	var e *Error
	if !errors.As(err, &e) || e.Code != BadLength {
		t.Fatalf("expected BadLength error, got %v", err)
	}
}

func TestWriteNdefFormatsBlankFormattableTag(t *testing.T) {
	fake := tagtest.New()
	fake.NdefMsg = nil // not yet NDEF-formatted
	s, _ := newTestSession(t, fake)

	msg := []byte{0xD1, 0x01, 0x01, 0x55, 0x00}
	if err := s.WriteNdef(msg); err != nil {
		t.Fatalf("WriteNdef: %v", err)
	}
	if len(fake.FormatAttempts) != 1 {
		t.Fatalf("expected one format attempt, got %d", len(fake.FormatAttempts))
	}
	if !bytesEqual(fake.NdefMsg, msg) {
		t.Errorf("message not written: %v", fake.NdefMsg)
	}
}

func TestWriteNdefRetriesSecondKeyOnFormatFailure(t *testing.T) {
	fake := tagtest.New()
	fake.NdefMsg = nil
	shim := &onceFailFormatter{Fake: fake, failFirst: true}
	s, _ := newTestSession(t, fake)
	s.selector = shim

	if err := s.WriteNdef([]byte{0xD1, 0x01, 0x01, 0x55, 0x00}); err != nil {
		t.Fatalf("WriteNdef: %v", err)
	}
	if len(shim.attempts) != 2 {
		t.Fatalf("expected two format attempts, got %d", len(shim.attempts))
	}
}

// onceFailFormatter wraps a tagtest.Fake so the first Format call fails and
// the second succeeds, exercising WriteNdef's two-key retry path.
type onceFailFormatter struct {
	*tagtest.Fake
	failFirst bool
	attempts  [][]byte
}

func (o *onceFailFormatter) Format(key []byte) error {
	o.attempts = append(o.attempts, key)
	if o.failFirst {
		o.failFirst = false
		return errors.New("tagtest: first key rejected")
	}
	return o.Fake.Format(key)
}

func TestWriteNdefZeroLengthErases(t *testing.T) {
	fake := tagtest.New()
	fake.NdefMsg = []byte{0xD1, 0x01, 0x01, 0x55, 0x00}
	s, _ := newTestSession(t, fake)

	if err := s.WriteNdef(nil); err != nil {
		t.Fatalf("WriteNdef: %v", err)
	}
	if len(fake.NdefMsg) == 0 {
		t.Fatal("expected an empty-TNF record, got zero bytes")
	}
	if fake.NdefMsg[0]&0x07 != 0 {
		t.Errorf("expected TNF=Empty in erase record, got header byte %#x", fake.NdefMsg[0])
	}
}

func TestMakeReadonlyFallsBackToSoftLock(t *testing.T) {
	fake := tagtest.New()
	fake.HardLockSupported = false
	s, _ := newTestSession(t, fake)

	if err := s.MakeReadonly(); err != nil {
		t.Fatalf("MakeReadonly: %v", err)
	}
	log := fake.CallLogCopy()
	if log[len(log)-2] != "HardLock" || log[len(log)-1] != "SoftLock" {
		t.Errorf("expected HardLock then SoftLock, got %v", log)
	}
}

func TestSwitchRfInterfaceDeactivatesAndReselects(t *testing.T) {
	fake := tagtest.New()
	s, _ := newTestSession(t, fake)

	if err := s.SwitchRfInterface(RfIsoDep); err != nil {
		t.Fatalf("SwitchRfInterface: %v", err)
	}
	if got := s.Interface(); got != RfIsoDep {
		t.Errorf("expected interface IsoDep, got %s", got)
	}
}

func TestSwitchRfInterfaceSelectRejectedForcesIdle(t *testing.T) {
	fake := tagtest.New()
	fake.SelectErr = errors.New("tagtest: select rejected")
	s, _ := newTestSession(t, fake)

	err := s.SwitchRfInterface(RfIsoDep)
	var e *Error
	if !errors.As(err, &e) || e.Code != SemanticError {
		t.Fatalf("expected SemanticError, got %v", err)
	}
	log := fake.CallLogCopy()
	if log[len(log)-1] != "ForceIdle" {
		t.Errorf("expected ForceIdle after rejected select, got %v", log)
	}
}

func TestPresenceLoopSignalsDepartureOnAbsence(t *testing.T) {
	fake := tagtest.New()
	fake.Present = true
	s, fc := newTestSession(t, fake)
	l := newRecordingListener()
	s.Register(l)

	fake.Present = false
	// Advance through several presence-check intervals; the loop's timer is
	// driven by the injected clock so this does not sleep in real time.
	for i := 0; i < 5; i++ {
		fc.Advance(125 * time.Millisecond)
		select {
		case <-l.departed:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("OnTagDeparture was never signaled")
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
