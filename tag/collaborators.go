package tag

import "time"

// RfInterface is the active RF interface an NFC Forum tag is selected on.
type RfInterface int

const (
	RfFrame RfInterface = iota
	RfIsoDep
	RfNfcDep
	RfMifare
)

func (r RfInterface) String() string {
	switch r {
	case RfFrame:
		return "Frame"
	case RfIsoDep:
		return "IsoDep"
	case RfNfcDep:
		return "NfcDep"
	case RfMifare:
		return "Mifare"
	default:
		return "Unknown"
	}
}

// NdefInfo is the result of CheckNdef.
type NdefInfo struct {
	IsNdef     bool
	IsWritable bool
	CurrentLen uint32
	MaxLen     uint32
}

// DeactivateTarget is what a deactivate call asks the controller to settle
// into; Sleep backs the Reconnect/SwitchRfInterface dance, Discovery backs
// a presence-check failure kicking the tag back to polling.
type DeactivateTarget int

const (
	DeactivateSleep DeactivateTarget = iota
	DeactivateDiscovery
)

// Activator is the NCI-facing collaborator that drives selection, RF
// interface switches and deactivation of one discovered tag. It owns no
// state of its own beyond what the controller needs. Session makes the
// calls of a reselect (Deactivate, Select, ForceIdle) while holding its
// RF-interface mutex, not the coarse session mutex; the presence loop's
// Deactivate on tag departure holds neither.
type Activator interface {
	// Deactivate asks the controller to settle into target and reports
	// completion on the returned channel once it has (or an error if the
	// controller rejected the request outright). The coordinator is
	// responsible for timing this out itself.
	Deactivate(target DeactivateTarget) (<-chan error, error)

	// Select re-activates the tag on iface using its stored discovery id.
	// The returned channel carries the negotiated iface (equal to the
	// requested one on success) or an error.
	Select(discoveryID uint32, iface RfInterface) (<-chan RfInterface, error)

	// ForceIdle abandons whatever the controller is mid-sequence on and
	// returns it to Idle. Used on Reconnect/SwitchRfInterface timeouts.
	ForceIdle()
}

// Selector is the NDEF-operation collaborator for the currently selected
// tag: CheckNdef/ReadNdef/WriteNdef/FormatTag/MakeReadonly.
type Selector interface {
	CheckNdef() (NdefInfo, error)

	// ReadNdef appends the tag's NDEF message into buf and returns the
	// number of bytes written. If the message does not fit, it returns
	// ErrBufferTooSmall (the "-1 sentinel" of spec.md §4.F is represented
	// in Go as this distinguished error rather than a magic length).
	ReadNdef(buf []byte) (int, error)

	WriteNdef(msg []byte) error

	// Format prepares a blank tag for NDEF using key, returning whether it
	// succeeded. Mifare Classic callers retry once with a second key on
	// failure; Format itself only ever tries the one key it's given.
	Format(key []byte) error

	// IsFormattable reports whether Format has any chance of succeeding on
	// this tag type at all (e.g. false for a locked tag).
	IsFormattable() bool

	HardLock() error
	SoftLock() error
}

// Transceiver issues a raw command/response exchange against the currently
// selected tag.
type Transceiver interface {
	Transceive(data []byte, timeout time.Duration) ([]byte, error)
}

// PresenceProbe is the injected strategy for presence-check polling
// (spec.md §9: "keep as an injected strategy trait; the default
// implementation emits the vendor PDU, but tests stub it").
type PresenceProbe interface {
	// Probe issues the vendor presence-check command and reports on the
	// returned channel whether the tag answered in-field. The coordinator
	// applies its own 500ms watchdog independent of this channel.
	Probe() (<-chan bool, error)
}

// Listener receives tag-session lifecycle events. Unlike the CHO session's
// Listener, there is only ever one terminal notification worth naming here
// (spec.md §7: "Application callbacks always see a single terminal event
// per session... TagDeparture for tags").
type Listener interface {
	OnTagDeparture()
}
