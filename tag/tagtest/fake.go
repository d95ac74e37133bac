// Package tagtest provides an in-memory fake of the tag package's
// collaborator interfaces, grounded on the teacher's nfc.MockTag and
// nfc.MockDevice: configurable responses and a call log, no real hardware.
package tagtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-cho-core/tag"
)

// Fake implements tag.Activator, tag.Selector, tag.Transceiver and
// tag.PresenceProbe over an in-memory NDEF buffer.
type Fake struct {
	mu sync.Mutex

	// NdefMsg is the tag's current NDEF message; nil means "no NDEF".
	NdefMsg []byte
	// MaxLen is the capacity CheckNdef reports; ReadNdef checks only the
	// caller's buffer length.
	MaxLen uint32
	// Writable, Formattable, HardLockSupported configure capability
	// reporting the same way MockTag's *Error fields do.
	Writable          bool
	Formattable       bool
	HardLockSupported bool

	// FormatErr, WriteErr, TransceiveErr, DeactivateErr, SelectErr, when
	// set, are returned by the corresponding call.
	FormatErr     error
	WriteErr      error
	TransceiveErr error
	DeactivateErr error
	SelectErr     error

	// TransceiveFunc, like MockTag's, allows custom per-call behavior.
	TransceiveFunc func([]byte) ([]byte, error)

	// Present controls what Probe reports; flip it to simulate the tag
	// leaving the field.
	Present bool

	// FormatAttempts records every key passed to Format, for asserting the
	// two-key retry sequence.
	FormatAttempts [][]byte

	// CallLog tracks every method invoked, mirroring MockTag's CallLog.
	CallLog []string

	locked bool
	hard   bool
}

// New returns a Fake configured as a writable, formattable, NDEF-blank tag.
func New() *Fake {
	return &Fake{
		Writable:          true,
		Formattable:       true,
		HardLockSupported: true,
		MaxLen:            8192,
		Present:           true,
	}
}

func (f *Fake) log(call string) {
	f.CallLog = append(f.CallLog, call)
}

// CheckNdef implements tag.Selector.
func (f *Fake) CheckNdef() (tag.NdefInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("CheckNdef")
	return tag.NdefInfo{
		IsNdef:     f.NdefMsg != nil,
		IsWritable: f.Writable && !f.locked,
		CurrentLen: uint32(len(f.NdefMsg)),
		MaxLen:     f.MaxLen,
	}, nil
}

// ReadNdef implements tag.Selector.
func (f *Fake) ReadNdef(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("ReadNdef")
	if len(f.NdefMsg) > len(buf) {
		return 0, tag.ErrBufferTooSmall
	}
	return copy(buf, f.NdefMsg), nil
}

// WriteNdef implements tag.Selector.
func (f *Fake) WriteNdef(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log(fmt.Sprintf("WriteNdef(%d bytes)", len(msg)))
	if f.locked {
		return fmt.Errorf("tagtest: tag is locked read-only")
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.NdefMsg = append([]byte(nil), msg...)
	return nil
}

// Format implements tag.Selector.
func (f *Fake) Format(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("Format")
	f.FormatAttempts = append(f.FormatAttempts, append([]byte(nil), key...))
	if f.FormatErr != nil {
		return f.FormatErr
	}
	f.NdefMsg = []byte{}
	return nil
}

// IsFormattable implements tag.Selector.
func (f *Fake) IsFormattable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Formattable
}

// HardLock implements tag.Selector.
func (f *Fake) HardLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("HardLock")
	if !f.HardLockSupported {
		return fmt.Errorf("tagtest: hard lock not supported")
	}
	f.locked, f.hard = true, true
	return nil
}

// SoftLock implements tag.Selector.
func (f *Fake) SoftLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("SoftLock")
	f.locked = true
	return nil
}

// Transceive implements tag.Transceiver.
func (f *Fake) Transceive(data []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log(fmt.Sprintf("Transceive(%d bytes)", len(data)))
	if f.TransceiveFunc != nil {
		return f.TransceiveFunc(data)
	}
	if f.TransceiveErr != nil {
		return nil, f.TransceiveErr
	}
	return nil, nil
}

// CallLogCopy returns a snapshot of the call log.
func (f *Fake) CallLogCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.CallLog...)
}

// Deactivate implements tag.Activator.
func (f *Fake) Deactivate(target tag.DeactivateTarget) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("Deactivate")
	ch := make(chan error, 1)
	ch <- f.DeactivateErr
	return ch, nil
}

// Select implements tag.Activator.
func (f *Fake) Select(discoveryID uint32, iface tag.RfInterface) (<-chan tag.RfInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("Select")
	if f.SelectErr != nil {
		return nil, f.SelectErr
	}
	ch := make(chan tag.RfInterface, 1)
	ch <- iface
	return ch, nil
}

// ForceIdle implements tag.Activator.
func (f *Fake) ForceIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("ForceIdle")
}

// Probe implements tag.PresenceProbe.
func (f *Fake) Probe() (<-chan bool, error) {
	f.mu.Lock()
	present := f.Present
	f.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- present
	return ch, nil
}

var (
	_ tag.Activator     = (*Fake)(nil)
	_ tag.Selector      = (*Fake)(nil)
	_ tag.Transceiver   = (*Fake)(nil)
	_ tag.PresenceProbe = (*Fake)(nil)
)
