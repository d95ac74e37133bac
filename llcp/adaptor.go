// Package llcp implements the LLCP adaptor (spec.md §4.E): it translates the
// seven LLCP SAP-level callbacks into the CHO session's event alphabet, owns
// the per-connection RX reassembly buffer, and implements cho.Transport by
// segmenting outbound CHO messages into MIU-sized LLCP I PDUs.
package llcp

import (
	"errors"
	"sync"

	"github.com/dotside-studios/nfc-cho-core/cho"
	"github.com/dotside-studios/nfc-cho-core/ndef"
)

// DefaultRxCap bounds how large a reassembled CHO message is allowed to
// grow before the adaptor gives up and reports a permanent memory error to
// the session, per spec.md §4.E.
const DefaultRxCap = 4096

// DataLink is the narrow surface the adaptor needs from whatever carries
// LLCP connection-oriented data for us (a local LLCP stack, a websocket
// relay standing in for one, or a test double). Segment sizes are capped
// by MIU(); the adaptor never sends a segment larger than that.
type DataLink interface {
	Connect(serviceName string) error
	Accept(localSAP, remoteSAP byte) error
	Reject(localSAP, remoteSAP byte) error
	SendSegment(localSAP, remoteSAP byte, segment []byte) error
	Disconnect(localSAP, remoteSAP byte) error
	MIU() uint16
}

// Adaptor wires a DataLink to a cho.Session in both directions: it is the
// cho.Transport the session sends through, and the seven On* methods are the
// callbacks the underlying link driver invokes on LLCP SAP events.
type Adaptor struct {
	link    DataLink
	session *cho.Session

	mu        sync.Mutex
	localSAP  byte
	remoteSAP byte
	rxBuf     []byte
	rxSize    uint32
	rxCap     uint32
}

// NewAdaptor returns an Adaptor ready to be passed as a session's
// cho.Transport. The session itself isn't known yet at this point, since the
// session constructor takes its transport as an argument, so the natural
// wiring order is NewAdaptor, then cho.NewSession(..., adaptor, ...), then
// Bind to close the loop before any LLCP events arrive.
func NewAdaptor(link DataLink, rxCap uint32) *Adaptor {
	if rxCap == 0 {
		rxCap = DefaultRxCap
	}
	return &Adaptor{link: link, rxCap: rxCap}
}

// Bind attaches the session this adaptor delivers SAP callbacks to. Must be
// called once, before any On* method or SendMessage/OpenConnection can be
// invoked.
func (a *Adaptor) Bind(session *cho.Session) {
	a.session = session
}

// cho.Transport implementation, called by the session under its own lock.

func (a *Adaptor) OpenConnection(serviceName string) error {
	return a.link.Connect(serviceName)
}

func (a *Adaptor) AcceptConnection(localSAP, remoteSAP byte, miu uint16) error {
	a.mu.Lock()
	a.localSAP, a.remoteSAP = localSAP, remoteSAP
	a.mu.Unlock()
	return a.link.Accept(localSAP, remoteSAP)
}

func (a *Adaptor) RejectConnection(localSAP, remoteSAP byte) error {
	return a.link.Reject(localSAP, remoteSAP)
}

func (a *Adaptor) Disconnect() error {
	a.mu.Lock()
	l, r := a.localSAP, a.remoteSAP
	a.mu.Unlock()
	return a.link.Disconnect(l, r)
}

// SendMessage segments data into MIU-sized pieces and sends them in order.
// It stops and returns the first transport error. The session disconnects
// with ReasonConnectionFail only when the failed send is a reply it sends
// on its own (the empty Hs after a major-version mismatch, the collision
// retransmit); SendHr, SendHs and SendSelError return the error to their
// caller and leave the connection up.
func (a *Adaptor) SendMessage(data []byte) error {
	a.mu.Lock()
	l, r := a.localSAP, a.remoteSAP
	a.mu.Unlock()

	miu := int(a.link.MIU())
	if miu <= 0 {
		return errors.New("llcp: adaptor: link reports zero MIU")
	}
	for sent := 0; sent < len(data); {
		end := sent + miu
		if end > len(data) {
			end = len(data)
		}
		if err := a.link.SendSegment(l, r, data[sent:end]); err != nil {
			return err
		}
		sent = end
	}
	return nil
}

// Inbound SAP callbacks. The link driver calls these as LLCP events occur;
// each one forwards straight into the session's event alphabet.

func (a *Adaptor) OnLinkStatus(activated bool) {
	a.session.LlcpLinkStatus(activated)
}

func (a *Adaptor) OnConnectInd(localSAP, remoteSAP byte, miu uint16) {
	a.mu.Lock()
	a.localSAP, a.remoteSAP = localSAP, remoteSAP
	a.mu.Unlock()
	a.session.LlcpConnectInd(localSAP, remoteSAP, miu)
}

func (a *Adaptor) OnConnectResp(localSAP, remoteSAP byte, miu uint16) {
	a.mu.Lock()
	a.localSAP, a.remoteSAP = localSAP, remoteSAP
	a.mu.Unlock()
	a.session.LlcpConnectResp(localSAP, remoteSAP, miu)
}

func (a *Adaptor) OnDisconnectInd(localSAP, remoteSAP byte) {
	a.resetRx()
	a.session.LlcpDisconnectInd(localSAP, remoteSAP)
}

func (a *Adaptor) OnDisconnectResp(localSAP, remoteSAP byte) {
	a.resetRx()
	a.session.LlcpDisconnectResp(localSAP, remoteSAP)
}

func (a *Adaptor) OnCongest(localSAP, remoteSAP byte, congested bool) {
	a.session.LlcpCongest(localSAP, remoteSAP, congested)
}

// OnDataInd appends one inbound segment to the reassembly buffer for the
// current connection and re-validates the whole buffer so far. The link
// driver is expected to call this once per queued segment, draining its
// own receive queue for the SAP pair before returning control; the
// adaptor itself only ever looks at the bytes it has been handed.
func (a *Adaptor) OnDataInd(segment []byte) {
	a.mu.Lock()

	if a.rxSize+uint32(len(segment)) > a.rxCap {
		a.rxSize = 0
		a.rxBuf = nil
		a.mu.Unlock()
		// Unlocked before calling into the session: a session handler may
		// turn around and call SendMessage/Disconnect on this same adaptor.
		a.session.PermMemError(a.rxCap)
		return
	}
	if a.rxBuf == nil {
		a.rxBuf = make([]byte, a.rxCap)
	}
	copy(a.rxBuf[a.rxSize:], segment)
	a.rxSize += uint32(len(segment))

	err := ndef.Validate(a.rxBuf[:a.rxSize], false)
	if err == nil {
		msg := append([]byte(nil), a.rxBuf[:a.rxSize]...)
		a.rxSize = 0
		a.mu.Unlock()
		a.session.RxHandoverMsg(msg)
		return
	}
	if isIncomplete(err) {
		a.mu.Unlock()
		return
	}
	a.rxSize = 0
	a.mu.Unlock()
	a.session.ReportInvalidMessage()
}

func (a *Adaptor) resetRx() {
	a.mu.Lock()
	a.rxSize = 0
	a.mu.Unlock()
}

// isIncomplete reports whether err means "valid so far, just not a
// complete message yet" rather than an outright malformed buffer:
// ErrTooShort, ErrNoMessageEnd and ErrLengthMismatch (a record whose
// declared lengths run past the bytes received so far).
func isIncomplete(err error) bool {
	var e *ndef.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ndef.ErrTooShort, ndef.ErrNoMessageEnd, ndef.ErrLengthMismatch:
		return true
	default:
		return false
	}
}
