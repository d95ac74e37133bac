//go:build pn533

// Package pn533 is the hardware backend for the tag session coordinator
// (spec.md §4.F domain-stack wiring): it implements tag.Activator,
// tag.Selector, tag.Transceiver and tag.PresenceProbe against a real PN533
// (or compatible) reader via clausecker/nfc and clausecker/freefare, the
// same pair the teacher's own libnfc driver (nfc/device_libnfc.go,
// nfc/tag_classic.go, nfc/mifare.go) uses. Built only with the pn533 tag so
// that the rest of this module has no hard dependency on libnfc being
// installed on the build machine.
package pn533

import (
	"fmt"
	"time"

	"github.com/clausecker/freefare"
	nfcdev "github.com/clausecker/nfc/v2"

	"github.com/dotside-studios/nfc-cho-core/tag"
)

// factoryKey and publicKey mirror the teacher's nfc.FactoryKey/nfc.PublicKey
// constants (nfc/tag_classic.go): the Mifare Classic factory default and
// the well-known NDEF-formatting key.
var (
	factoryKey = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	publicKey  = [6]byte{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7}
)

// Backend drives one discovered Mifare Classic tag. Target selection
// (poll/select) happens outside this package, the same way the teacher's
// manager_default.go resolves a freefare.Tag before wrapping it; Backend
// starts from an already-identified tag and device pair.
type Backend struct {
	device nfcdev.Device
	classic freefare.ClassicTag

	discoveryID uint32
	target      nfcdev.Target
}

// New wraps a freefare Mifare Classic tag discovered on device for use as a
// tag.Activator/tag.Selector/tag.Transceiver/tag.PresenceProbe collaborator
// set.
func New(device nfcdev.Device, classic freefare.ClassicTag, discoveryID uint32, target nfcdev.Target) *Backend {
	return &Backend{device: device, classic: classic, discoveryID: discoveryID, target: target}
}

// CheckNdef implements tag.Selector, grounded on ClassicTag.IsWritable's
// authenticate-then-inspect-trailer walk (nfc/tag_classic.go).
func (b *Backend) CheckNdef() (tag.NdefInfo, error) {
	if err := b.classic.Connect(); err != nil {
		return tag.NdefInfo{}, fmt.Errorf("pn533: connect: %w", err)
	}
	defer b.classic.Disconnect()

	writable, err := b.isWritableLocked()
	if err != nil {
		return tag.NdefInfo{}, err
	}
	data, err := b.readDataLocked()
	isNdef := err == nil && len(data) > 0
	return tag.NdefInfo{
		IsNdef:     isNdef,
		IsWritable: writable,
		CurrentLen: uint32(len(data)),
		MaxLen:     classicMaxLen(b.classic),
	}, nil
}

// classicMaxLen returns the NDEF capacity of a Mifare Classic tag, counting
// the sectors readDataLocked and WriteNdef use. 1K uses sectors 1-15, each
// with 3 data blocks of 16 bytes. 4K skips sector 0 and the second MAD
// sector 16, so it uses 30 small sectors of 3 data blocks plus sectors
// 32-39 with 15 data blocks each.
func classicMaxLen(c freefare.ClassicTag) uint32 {
	if c.Type() == freefare.Classic4k {
		return (30*3 + 8*15) * 16
	}
	return 15 * 3 * 16
}

// sectorDataBlocks returns the first data block (inclusive) and trailer
// block for sector, following the linear block numbering
// nfc/mifare.go's ClassicSectorBlockToLinear encodes: sectors 0-31 have 4
// blocks each, sectors 32-39 have 16 blocks each.
func sectorDataBlocks(sector int) (first, trailer byte) {
	if sector < 32 {
		first = byte(sector * 4)
		return first, first + 3
	}
	first = byte(128 + (sector-32)*16)
	return first, first + 15
}

func (b *Backend) isWritableLocked() (bool, error) {
	_, trailer := sectorDataBlocks(1)
	if err := b.classic.Authenticate(trailer, publicKey, int(freefare.KeyA)); err != nil {
		return false, nil
	}
	data, err := b.classic.ReadBlock(trailer)
	if err != nil {
		return false, nil
	}
	return data[6] != 0xFF || data[7] != 0x07, nil
}

func (b *Backend) readDataLocked() ([]byte, error) {
	var out []byte
	maxSector := 15
	if b.classic.Type() == freefare.Classic4k {
		maxSector = 39
	}
	for sector := 1; sector <= maxSector; sector++ {
		if sector == 16 {
			continue
		}
		first, trailer := sectorDataBlocks(sector)
		if err := b.classic.Authenticate(trailer, publicKey, int(freefare.KeyA)); err != nil {
			continue
		}
		for block := first; block < trailer; block++ {
			data, err := b.classic.ReadBlock(block)
			if err != nil {
				return out, err
			}
			out = append(out, data[:]...)
		}
	}
	return out, nil
}

// WriteNdef implements tag.Selector, grounded on
// ClassicTag.writeDataInternal's authenticate-and-write-block loop.
func (b *Backend) WriteNdef(msg []byte) error {
	if err := b.classic.Connect(); err != nil {
		return fmt.Errorf("pn533: connect: %w", err)
	}
	defer b.classic.Disconnect()

	maxSector := 15
	if b.classic.Type() == freefare.Classic4k {
		maxSector = 39
	}
	offset := 0
	for sector := 1; sector <= maxSector && offset < len(msg); sector++ {
		if sector == 16 {
			continue
		}
		first, trailer := sectorDataBlocks(sector)
		if err := b.classic.Authenticate(trailer, publicKey, int(freefare.KeyA)); err != nil {
			continue
		}
		for block := first; block < trailer && offset < len(msg); block++ {
			var data [16]byte
			n := copy(data[:], msg[offset:])
			if err := b.classic.WriteBlock(block, data); err != nil {
				return fmt.Errorf("pn533: write block %d: %w", block, err)
			}
			offset += n
		}
	}
	if offset < len(msg) {
		return fmt.Errorf("pn533: message does not fit in available NDEF sectors")
	}
	return nil
}

// ReadNdef implements tag.Selector.
func (b *Backend) ReadNdef(buf []byte) (int, error) {
	if err := b.classic.Connect(); err != nil {
		return 0, fmt.Errorf("pn533: connect: %w", err)
	}
	defer b.classic.Disconnect()

	data, err := b.readDataLocked()
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		return 0, tag.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

// Format implements tag.Selector by authenticating sector 0's trailer with
// key, the key the coordinator's two-key retry sequence tries in turn. It
// writes no MAD or trailer blocks; success means only that key was
// accepted.
func (b *Backend) Format(key []byte) error {
	if len(key) != 6 {
		return fmt.Errorf("pn533: format key must be 6 bytes")
	}
	if err := b.classic.Connect(); err != nil {
		return fmt.Errorf("pn533: connect: %w", err)
	}
	defer b.classic.Disconnect()

	var k [6]byte
	copy(k[:], key)
	_, trailer := sectorDataBlocks(0)
	if err := b.classic.Authenticate(trailer, k, int(freefare.KeyA)); err != nil {
		return fmt.Errorf("pn533: authenticate MAD sector: %w", err)
	}
	return nil
}

// IsFormattable implements tag.Selector.
func (b *Backend) IsFormattable() bool { return true }

// HardLock implements tag.Selector by writing each NDEF sector's trailer
// block with fully locked access bits (nfc/tag_classic.go's MakeReadOnly).
func (b *Backend) HardLock() error {
	if err := b.classic.Connect(); err != nil {
		return fmt.Errorf("pn533: connect: %w", err)
	}
	defer b.classic.Disconnect()

	maxSector := 15
	if b.classic.Type() == freefare.Classic4k {
		maxSector = 39
	}
	for sector := 1; sector <= maxSector; sector++ {
		if sector == 16 {
			continue
		}
		_, trailer := sectorDataBlocks(sector)
		if err := b.classic.Authenticate(trailer, publicKey, int(freefare.KeyA)); err != nil {
			continue
		}
		var trailerData [16]byte
		copy(trailerData[:6], publicKey[:])
		trailerData[6], trailerData[7], trailerData[8] = 0xFF, 0x07, 0x88
		copy(trailerData[10:], publicKey[:])
		if err := b.classic.WriteBlock(trailer, trailerData); err != nil {
			return fmt.Errorf("pn533: lock sector %d: %w", sector, err)
		}
	}
	return nil
}

// SoftLock implements tag.Selector. This backend has no soft lock for
// Mifare Classic: it always returns an error and leaves the tag unchanged.
func (b *Backend) SoftLock() error {
	return fmt.Errorf("pn533: soft lock not implemented for Mifare Classic")
}

// Transceive implements tag.Transceiver.
func (b *Backend) Transceive(data []byte, timeout time.Duration) ([]byte, error) {
	var rx [262]byte
	n, err := b.device.InitiatorTransceiveBytes(data, rx[:], timeout)
	if err != nil {
		return nil, fmt.Errorf("pn533: transceive: %w", err)
	}
	return rx[:n], nil
}

// Deactivate implements tag.Activator.
func (b *Backend) Deactivate(target tag.DeactivateTarget) (<-chan error, error) {
	ch := make(chan error, 1)
	b.classic.Disconnect()
	ch <- nil
	return ch, nil
}

// Select implements tag.Activator by re-polling for the same target.
func (b *Backend) Select(discoveryID uint32, iface tag.RfInterface) (<-chan tag.RfInterface, error) {
	ch := make(chan tag.RfInterface, 1)
	if err := b.classic.Connect(); err != nil {
		return nil, fmt.Errorf("pn533: select: %w", err)
	}
	ch <- iface
	return ch, nil
}

// ForceIdle implements tag.Activator.
func (b *Backend) ForceIdle() {
	b.classic.Disconnect()
	b.device.InitiatorInit()
}

// Probe implements tag.PresenceProbe by sending a raw READ of block 0
// (0x30 0x00) through the device; the tag counts as present if the
// exchange returns without error.
func (b *Backend) Probe() (<-chan bool, error) {
	ch := make(chan bool, 1)
	_, err := b.device.InitiatorTransceiveBytes([]byte{0x30, 0x00}, make([]byte, 16), time.Second)
	ch <- err == nil
	return ch, nil
}

var (
	_ tag.Activator     = (*Backend)(nil)
	_ tag.Selector      = (*Backend)(nil)
	_ tag.Transceiver   = (*Backend)(nil)
	_ tag.PresenceProbe = (*Backend)(nil)
)
