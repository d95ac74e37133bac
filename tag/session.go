// Package tag implements the tag session coordinator (spec.md §4.F): it
// serializes check-NDEF/read/write/format/lock/transceive operations over
// one activated NFC Forum tag and drives the sleep-wake reselect dance for
// RF interface switches, plus a background presence-check loop.
package tag

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-cho-core/internal/clock"
	"github.com/dotside-studios/nfc-cho-core/ndef"
)

// defaultKeysMifareClassic are the two well-known default keys the
// coordinator tries in turn when formatting a blank Mifare Classic tag,
// grounded on nfc/mifare.go's SearchSectorKey trying multiple candidate
// keys rather than assuming one.
var defaultKeysMifareClassic = [2][6]byte{
	{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, // factory default key A
	{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7}, // NDEF-formatted default key A
}

// Session coordinates all operations on one activated tag. It is built
// fresh per discovered tag and discarded once the tag departs; the
// presence-check loop it starts is the only background activity it owns.
type Session struct {
	mu   sync.Mutex // gSyncMutex: held for the whole duration of any tag operation
	rfMu sync.Mutex // RfInterfaceMutex: guards the deactivate->reselect sequence

	clk                clock.Clock
	activator          Activator
	selector           Selector
	transceiver        Transceiver
	probe              PresenceProbe
	listener           Listener
	log                *log.Logger

	discoveryID        uint32
	iface              RfInterface
	deactivating       bool
	departed           bool
	presenceInterval   time.Duration
	deactivateTimeout  time.Duration
	probeTimeout       time.Duration

	stopPresence chan struct{}
	presenceDone chan struct{}
}

// Config bundles a Session's collaborators and timing knobs.
type Config struct {
	Clock                 clock.Clock
	Activator             Activator
	Selector              Selector
	Transceiver           Transceiver
	Probe                 PresenceProbe
	DiscoveryID           uint32
	InitialInterface      RfInterface
	PresenceCheckInterval time.Duration // default 125ms
	DeactivateTimeout     time.Duration // default 1s
	ProbeTimeout          time.Duration // default 500ms
	Logger                *log.Logger
}

// NewSession constructs a Session for a freshly activated tag and starts
// its presence-check loop.
func NewSession(cfg Config) *Session {
	interval := cfg.PresenceCheckInterval
	if interval <= 0 {
		interval = 125 * time.Millisecond
	}
	deactivateTimeout := cfg.DeactivateTimeout
	if deactivateTimeout <= 0 {
		deactivateTimeout = time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[tag] ", log.LstdFlags)
	}

	s := &Session{
		clk:               cfg.Clock,
		activator:         cfg.Activator,
		selector:          cfg.Selector,
		transceiver:       cfg.Transceiver,
		probe:             cfg.Probe,
		log:               logger,
		discoveryID:       cfg.DiscoveryID,
		iface:             cfg.InitialInterface,
		presenceInterval:  interval,
		deactivateTimeout: deactivateTimeout,
		probeTimeout:      probeTimeout,
		stopPresence:      make(chan struct{}),
		presenceDone:      make(chan struct{}),
	}
	if s.probe != nil {
		go s.presenceLoop()
	} else {
		close(s.presenceDone)
	}
	return s
}

// Register attaches the listener that receives OnTagDeparture.
func (s *Session) Register(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Close stops the presence-check loop. It does not touch the tag itself;
// callers that want a clean deactivation should do so before closing.
func (s *Session) Close() {
	select {
	case <-s.stopPresence:
	default:
		close(s.stopPresence)
	}
	<-s.presenceDone
}

// Interface reports the tag's current RF interface.
func (s *Session) Interface() RfInterface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface
}

// CheckNdef issues the NDEF-detect operation (spec.md §4.F).
func (s *Session) CheckNdef() (NdefInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return NdefInfo{}, newError("CheckNdef", BadHandle, nil)
	}
	info, err := s.selector.CheckNdef()
	if err != nil {
		return NdefInfo{}, newError("CheckNdef", Failed, err)
	}
	return info, nil
}

// ErrBufferTooSmall is returned by ReadNdef when buf cannot hold the tag's
// NDEF message; spec.md §4.F's "-1 actual-size sentinel" in the source.
var ErrBufferTooSmall = errors.New("tag: buffer too small for NDEF message")

// ReadNdef reads the tag's NDEF message into buf, returning the number of
// bytes written.
func (s *Session) ReadNdef(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return 0, newError("ReadNdef", BadHandle, nil)
	}
	n, err := s.selector.ReadNdef(buf)
	if errors.Is(err, ErrBufferTooSmall) {
		return 0, newError("ReadNdef", BadLength, err)
	}
	if err != nil {
		return 0, newError("ReadNdef", Failed, err)
	}
	return n, nil
}

// WriteNdef validates msg with the ndef codec, formats the tag first if it
// has no NDEF capability and can be formatted, then writes. A zero-length
// msg erases the tag by writing a single empty-TNF record (spec.md §4.F).
func (s *Session) WriteNdef(msg []byte) error {
	if len(msg) > 0 {
		if err := ndef.Validate(msg, false); err != nil {
			return newError("WriteNdef", BadLength, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return newError("WriteNdef", BadHandle, nil)
	}

	info, err := s.selector.CheckNdef()
	if err != nil {
		return newError("WriteNdef", Failed, err)
	}
	if !info.IsNdef {
		if !s.selector.IsFormattable() {
			return newError("WriteNdef", SemanticError, fmt.Errorf("tag is not NDEF-formatted and cannot be formatted"))
		}
		if err := s.formatWithRetryLocked(); err != nil {
			return newError("WriteNdef", Failed, err)
		}
	}

	out := msg
	if len(out) == 0 {
		erase := make([]byte, 3)
		var cur uint32
		ndef.Init(erase, uint32(len(erase)), &cur)
		if err := ndef.AddRecord(erase, uint32(len(erase)), &cur, ndef.TNFEmpty, nil, nil, nil); err != nil {
			return newError("WriteNdef", Failed, err)
		}
		out = erase[:cur]
	}

	if err := s.selector.WriteNdef(out); err != nil {
		return newError("WriteNdef", Failed, err)
	}
	return nil
}

// formatWithRetryLocked tries the tag's formatting sequence, retrying once
// with a second well-known key on failure, grounded on nfc/mifare.go's
// SearchSectorKey pattern of trying multiple candidate keys rather than
// assuming the factory default. s.mu must be held.
func (s *Session) formatWithRetryLocked() error {
	var lastErr error
	for _, key := range defaultKeysMifareClassic {
		k := key
		if err := s.selector.Format(k[:]); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// FormatTag formats a blank tag for NDEF without writing any message.
func (s *Session) FormatTag() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return newError("FormatTag", BadHandle, nil)
	}
	if !s.selector.IsFormattable() {
		return newError("FormatTag", SemanticError, fmt.Errorf("tag does not support formatting"))
	}
	if err := s.formatWithRetryLocked(); err != nil {
		return newError("FormatTag", Failed, err)
	}
	return nil
}

// MakeReadonly tries a hard lock first; if the stack rejects it because the
// tag doesn't support hard-lock, it retries with a soft lock (spec.md
// §4.F).
func (s *Session) MakeReadonly() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return newError("MakeReadonly", BadHandle, nil)
	}
	if err := s.selector.HardLock(); err != nil {
		if err2 := s.selector.SoftLock(); err2 != nil {
			return newError("MakeReadonly", Failed, err2)
		}
	}
	return nil
}

// Transceive issues a raw command/response exchange with the tag.
func (s *Session) Transceive(data []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return nil, newError("Transceive", BadHandle, nil)
	}
	resp, err := s.transceiver.Transceive(data, timeout)
	if err != nil {
		return nil, newError("Transceive", Failed, err)
	}
	return resp, nil
}

// SwitchRfInterface deactivates to Sleep and reselects on iface (spec.md
// §4.F). Reconnect is the same sequence reselecting on the tag's current
// interface, used after a transient link loss.
func (s *Session) SwitchRfInterface(iface RfInterface) error {
	return s.reselect(iface)
}

// Reconnect reselects the tag on its current RF interface.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	cur := s.iface
	s.mu.Unlock()
	return s.reselect(cur)
}

func (s *Session) reselect(iface RfInterface) error {
	s.rfMu.Lock()
	defer s.rfMu.Unlock()

	s.mu.Lock()
	s.deactivating = true
	discoveryID := s.discoveryID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.deactivating = false
		s.mu.Unlock()
	}()

	deactCh, err := s.activator.Deactivate(DeactivateSleep)
	if err != nil {
		return newError("SwitchRfInterface", SemanticError, err)
	}
	if err := s.waitOrTimeout(deactCh); err != nil {
		s.activator.ForceIdle()
		return newError("SwitchRfInterface", SemanticError, err)
	}

	selCh, err := s.activator.Select(discoveryID, iface)
	if err != nil {
		s.activator.ForceIdle()
		return newError("SwitchRfInterface", SemanticError, err)
	}
	negotiated, err := s.waitSelectOrTimeout(selCh)
	if err != nil {
		s.activator.ForceIdle()
		return newError("SwitchRfInterface", SemanticError, err)
	}

	s.mu.Lock()
	s.iface = negotiated
	s.mu.Unlock()
	return nil
}

func (s *Session) waitOrTimeout(ch <-chan error) error {
	timer := s.clk.NewTimer(s.deactivateTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C():
		return fmt.Errorf("tag: deactivate timed out after %s", s.deactivateTimeout)
	}
}

func (s *Session) waitSelectOrTimeout(ch <-chan RfInterface) (RfInterface, error) {
	timer := s.clk.NewTimer(s.deactivateTimeout)
	defer timer.Stop()
	select {
	case iface := <-ch:
		return iface, nil
	case <-timer.C():
		return 0, fmt.Errorf("tag: select timed out after %s", s.deactivateTimeout)
	}
}

// presenceLoop polls PresenceProbe at presenceInterval, yielding the coarse
// mutex between polls (spec.md §5: "Presence check yields the coarse mutex
// between polls"). The mutex is held while a probe runs. On the first probe
// that reports the tag absent (or times out) it deactivates to Discovery
// and signals OnTagDeparture exactly once, then exits; a probe that returns
// an error is logged and the loop keeps polling.
func (s *Session) presenceLoop() {
	defer close(s.presenceDone)
	ticker := s.clk.NewTimer(s.presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPresence:
			return
		case <-ticker.C():
			ticker.Reset(s.presenceInterval)
		}

		s.mu.Lock()
		if s.deactivating || s.departed {
			s.mu.Unlock()
			continue
		}
		present, err := s.probeOnce()
		s.mu.Unlock()

		if err != nil {
			s.log.Printf("presence probe error: %v", err)
			continue
		}
		if present {
			continue
		}

		s.mu.Lock()
		if s.departed {
			s.mu.Unlock()
			return
		}
		s.departed = true
		listener := s.listener
		s.mu.Unlock()

		if ch, err := s.activator.Deactivate(DeactivateDiscovery); err == nil {
			<-ch
		}
		if listener != nil {
			listener.OnTagDeparture()
		}
		return
	}
}

func (s *Session) probeOnce() (bool, error) {
	ch, err := s.probe.Probe()
	if err != nil {
		return false, err
	}
	timer := s.clk.NewTimer(s.probeTimeout)
	defer timer.Stop()
	select {
	case present := <-ch:
		return present, nil
	case <-timer.C():
		return false, nil
	}
}
