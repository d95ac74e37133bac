// Package config collects the tunable knobs of spec.md §6's "Configuration
// (Enumerated options)" table into one struct, loaded from flags the way
// the teacher's main.go loads devicePathFlag/portFlag/etc.
package config

import (
	"flag"
	"time"
)

// NfcForumHandoverMiu is the NFC Forum Connection Handover spec's own MIU
// cap: a local link MIU at or above this value is clamped down to it.
const NfcForumHandoverMiu = 128

// Options bundles every configuration knob spec.md §6 names. Defaults
// returns them set to their documented defaults, and RegisterFlags starts
// from Defaults before binding flags. cmd/chohost reads only MIU (through
// ClampMIU); no package of this module reads the other fields: cho.Session
// uses its own HsTimeout constant and never consults EnableServer, and
// tag.Config takes its timings directly.
type Options struct {
	// MIU is the LLCP data-link MIU this host advertises. Default 128
	// (NfcForumHandoverMiu); ClampMIU caps a value at or above that at
	// NfcForumHandoverMiu.
	MIU uint16

	// RW is the LLCP receive window. Zero means "use whatever the link
	// negotiates" (spec.md §6: "default as negotiated").
	RW uint8

	// HsTimeout bounds how long Connected/W4RemoteHs waits for the peer's
	// Hs before disconnecting with ReasonTimeout.
	HsTimeout time.Duration

	// SegmentedHrTimeout bounds how long the receiver waits for the next
	// segment of a multi-part incoming Hr/Hs message.
	SegmentedHrTimeout time.Duration

	// PresenceCheckInterval is the cadence of the tag coordinator's
	// background presence-check loop.
	PresenceCheckInterval time.Duration

	// DeactivateTimeout bounds both the deactivate and the reselect half
	// of a SwitchRfInterface/Reconnect sequence.
	DeactivateTimeout time.Duration

	// EnableServer controls whether Register starts in server role
	// (accepting inbound LlcpConnectInd) in addition to being able to
	// dial out.
	EnableServer bool

	// TestOverrides, when non-nil, forces the collision tie-break random
	// draw and the outgoing version byte to fixed values instead of the
	// clock-derived ones, per spec.md §6's "optional build flag: force
	// random number, force version byte".
	TestOverrides *TestOverrides
}

// TestOverrides pins otherwise-nondeterministic CHO values for repeatable
// test runs.
type TestOverrides struct {
	ForcedRandom  uint16
	ForcedVersion byte
}

// Defaults returns Options filled with spec.md §6's documented defaults.
func Defaults() Options {
	return Options{
		MIU:                   NfcForumHandoverMiu,
		RW:                    0,
		HsTimeout:             time.Second,
		SegmentedHrTimeout:    time.Second,
		PresenceCheckInterval: 125 * time.Millisecond,
		DeactivateTimeout:     time.Second,
		EnableServer:          false,
	}
}

// RegisterFlags binds fs to o's fields using spec.md §6's defaults, the
// same flag.FlagSet wiring style the teacher's main.go uses for
// devicePathFlag/portFlag/etc. It returns an apply function the caller
// must invoke after fs.Parse, which copies the parsed values into o.
func RegisterFlags(fs *flag.FlagSet, o *Options) (apply func()) {
	*o = Defaults()

	miu := fs.Uint("miu", uint(o.MIU), "LLCP data-link MIU to advertise")
	rw := fs.Uint("rw", uint(o.RW), "LLCP receive window")
	hsTimeout := fs.Duration("hs-timeout", o.HsTimeout, "Hs wait timeout")
	segTimeout := fs.Duration("segmented-hr-timeout", o.SegmentedHrTimeout, "segmented Hr/Hs reassembly timeout")
	presenceInterval := fs.Duration("presence-check-interval", o.PresenceCheckInterval, "tag presence-check poll interval")
	deactivateTimeout := fs.Duration("deactivate-timeout", o.DeactivateTimeout, "deactivate/reselect timeout")
	enableServer := fs.Bool("enable-server", o.EnableServer, "accept inbound LLCP connections at Register")

	return func() {
		o.MIU = uint16(*miu)
		o.RW = uint8(*rw)
		o.HsTimeout = *hsTimeout
		o.SegmentedHrTimeout = *segTimeout
		o.PresenceCheckInterval = *presenceInterval
		o.DeactivateTimeout = *deactivateTimeout
		o.EnableServer = *enableServer
	}
}

// ClampMIU applies the NFC Forum handover MIU cap (spec.md §6: "if local
// link MIU >= NFC_FORUM_HANDOVER_MIU then use that cap").
func (o Options) ClampMIU() uint16 {
	if o.MIU >= NfcForumHandoverMiu {
		return NfcForumHandoverMiu
	}
	return o.MIU
}

// TagTimings returns the subset of o relevant to a tag.Config's timing
// knobs (PresenceCheckInterval, DeactivateTimeout); the caller still fills
// in the collaborator fields.
func (o Options) TagTimings() (presenceCheckInterval, deactivateTimeout time.Duration) {
	return o.PresenceCheckInterval, o.DeactivateTimeout
}
