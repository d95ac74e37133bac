package cho

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-cho-core/internal/clock"
)

// HandoverServiceName is the well-known LLCP service name a Connect event
// opens a data-link connection to, per spec.md §4.D transition 2.
const HandoverServiceName = "urn:nfc:sn:handover"

// HsTimeout is how long Connected/W4RemoteHs waits for the peer's Hs before
// disconnecting with ReasonTimeout, per spec.md §4.D transition 7.
const HsTimeout = 1 * time.Second

// ImplementedVersion is the (major<<4|minor) version this session builds
// into outgoing Hr/Hs messages and checks incoming ones against.
const ImplementedVersion byte = 0x10

func versionMajor(v byte) byte { return v >> 4 }

// State is one of the four top-level states of spec.md §4.D.
type State int

const (
	StateDisabled State = iota
	StateIdle
	StateW4CC
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateIdle:
		return "Idle"
	case StateW4CC:
		return "W4CC"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// SubState refines StateConnected (and the brief moment of entry into it),
// tracking which side of the Hr/Hs exchange we're waiting on.
type SubState int

const (
	SubNone SubState = iota
	SubW4RemoteHr
	SubW4LocalHr
	SubW4RemoteHs
	SubW4LocalHs
)

// Role identifies which side of the handover this session plays, decided
// either by who initiated the connection or by collision resolution.
type Role int

const (
	RoleUndecided Role = iota
	RoleRequester
	RoleSelector
)

// DisconnectReason classifies why a session returned to Idle, per spec.md
// §4.D "Failure semantics".
type DisconnectReason int

const (
	ReasonApiRequest DisconnectReason = iota
	ReasonPeerRequest
	ReasonTimeout
	ReasonConnectionFail
	ReasonLinkDeactivated
	ReasonAlreadyConnected
	ReasonUnknownMsg
	ReasonSemanticError
	ReasonInvalidMsg
	ReasonInternalError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonApiRequest:
		return "ApiRequest"
	case ReasonPeerRequest:
		return "PeerRequest"
	case ReasonTimeout:
		return "Timeout"
	case ReasonConnectionFail:
		return "ConnectionFail"
	case ReasonLinkDeactivated:
		return "LinkDeactivated"
	case ReasonAlreadyConnected:
		return "AlreadyConnected"
	case ReasonUnknownMsg:
		return "UnknownMsg"
	case ReasonSemanticError:
		return "SemanticError"
	case ReasonInvalidMsg:
		return "InvalidMsg"
	case ReasonInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Event is the application-facing notification alphabet emitted through
// Listener.OnEvent, per spec.md §9's guidance to submit event variants
// rather than invoke foreign code on the caller's thread.
type Event interface{ isEvent() }

// ActivatedEvent fires once LLCP has come up and Register has completed.
type ActivatedEvent struct{}

func (ActivatedEvent) isEvent() {}

// DisconnectedEvent fires whenever the session returns to Idle.
type DisconnectedEvent struct{ Reason DisconnectReason }

func (DisconnectedEvent) isEvent() {}

// SelectEvent fires when a Handover Select message was received.
type SelectEvent struct{ Hs *HsMessage }

func (SelectEvent) isEvent() {}

// RequestEvent fires when a Handover Request message was received; the
// application must respond with SendHs or SendSelError.
type RequestEvent struct{ Hr *HrMessage }

func (RequestEvent) isEvent() {}

// Listener receives Session events.
type Listener interface {
	OnEvent(Event)
}

// Transport is the boundary Session uses to drive the LLCP adaptor
// (component E): opening/accepting/rejecting the data-link connection and
// handing a complete outbound message to E for MIU segmentation. Component
// E implements this interface; Session never touches raw LLCP SAPs.
type Transport interface {
	OpenConnection(serviceName string) error
	AcceptConnection(localSAP, remoteSAP byte, miu uint16) error
	RejectConnection(localSAP, remoteSAP byte) error
	SendMessage(data []byte) error
	Disconnect() error
}

type connInfo struct {
	localSAP, remoteSAP byte
	miu                 uint16
	congested           bool
}

// Session is the CHO session state machine of spec.md §4.D. One Session
// manages one LLCP handover data-link connection; the tag coordinator
// (component F) and this session are independent, per spec.md's component
// table.
type Session struct {
	mu sync.Mutex

	clk       clock.Clock
	transport Transport
	listener  Listener

	state State
	sub   SubState
	role  Role

	llcpActivated bool
	conn          connInfo
	shadowConn    connInfo
	connCollision bool

	version byte
	maxSize uint32

	txRandom uint16
	txBuf    []byte
	txSize   uint32

	hsTimer     clock.Timer
	timerActive bool
	done        chan struct{}
}

// NewSession creates a Session bound to clk (inject clock.NewFakeClock for
// deterministic tests) and transport, with an NDEF buffer budget of
// maxSize bytes for building Hr/Hs messages.
func NewSession(clk clock.Clock, transport Transport, maxSize uint32) *Session {
	s := &Session{
		clk:       clk,
		transport: transport,
		state:     StateDisabled,
		maxSize:   maxSize,
		txBuf:     make([]byte, maxSize),
		done:      make(chan struct{}),
		version:   ImplementedVersion,
	}
	s.hsTimer = clk.NewTimer(time.Hour)
	s.hsTimer.Stop()
	go s.timerLoop()
	return s
}

// Close stops the session's background timer goroutine. Call once the
// session is permanently discarded.
func (s *Session) Close() {
	close(s.done)
}

func (s *Session) timerLoop() {
	for {
		select {
		case <-s.hsTimer.C():
			s.mu.Lock()
			active := s.timerActive
			s.timerActive = false
			s.mu.Unlock()
			if active {
				s.Timeout()
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) startHsTimer() {
	s.timerActive = true
	s.hsTimer.Reset(HsTimeout)
}

func (s *Session) stopHsTimer() {
	s.timerActive = false
	s.hsTimer.Stop()
}

func (s *Session) emit(ev Event) {
	if s.listener != nil {
		s.listener.OnEvent(ev)
	}
}

// State returns the session's current top-level state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Register records the application's listener and moves Disabled → Idle.
// If LLCP is already activated, it synthesizes Activated immediately
// (transition 1).
func (s *Session) Register(listener Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return fmt.Errorf("cho: Register invalid in state %s", s.state)
	}
	s.listener = listener
	s.state = StateIdle
	if s.llcpActivated {
		s.emit(ActivatedEvent{})
	}
	return nil
}

// Deregister tears the session down from any state back to Disabled.
func (s *Session) Deregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
	s.state = StateDisabled
	s.role = RoleUndecided
	s.sub = SubNone
	s.stopHsTimer()
}

// LlcpLinkStatus notifies the session whether the underlying LLCP link is
// up. Going active while Idle makes Connect usable; going inactive from
// Connected or W4CC disconnects with ReasonLinkDeactivated.
func (s *Session) LlcpLinkStatus(activated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llcpActivated = activated
	if activated && s.state == StateIdle {
		s.emit(ActivatedEvent{})
		return
	}
	if !activated && (s.state == StateW4CC || s.state == StateConnected) {
		s.toIdleLocked(ReasonLinkDeactivated)
	}
}

// Connect opens an outbound LLCP data-link connection to the handover
// service (transition 2).
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("cho: Connect invalid in state %s", s.state)
	}
	if !s.llcpActivated {
		s.emit(DisconnectedEvent{Reason: ReasonLinkDeactivated})
		return nil
	}
	if err := s.transport.OpenConnection(HandoverServiceName); err != nil {
		return err
	}
	s.state = StateW4CC
	return nil
}

// NdefTypeDispatch is accepted (but has no effect on the session) while
// Idle, per the state table: record-type dispatch and CHO negotiation are
// independent concerns that merely share the same NDEF codec.
func (s *Session) NdefTypeDispatch() {}

// Disconnect requests a teardown of the current connection. It is a no-op
// in Idle.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateW4CC, StateConnected:
		if err := s.transport.Disconnect(); err != nil {
			log.Printf("cho: Disconnect: transport error: %v", err)
		}
		s.toIdleLocked(ReasonApiRequest)
	}
}

// LlcpConnectInd handles an inbound connection request from the peer.
// In Idle, we become the Selector (transition 3). In W4CC, this is a
// collision: both sides are connecting to each other (transition 4).
func (s *Session) LlcpConnectInd(localSAP, remoteSAP byte, miu uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		if err := s.transport.AcceptConnection(localSAP, remoteSAP, miu); err != nil {
			log.Printf("cho: LlcpConnectInd: accept failed: %v", err)
			return
		}
		s.conn = connInfo{localSAP: localSAP, remoteSAP: remoteSAP, miu: miu}
		s.sub = SubW4RemoteHr
		s.role = RoleSelector
		s.state = StateConnected
	case StateW4CC:
		if s.connCollision {
			if err := s.transport.RejectConnection(localSAP, remoteSAP); err != nil {
				log.Printf("cho: LlcpConnectInd: reject failed: %v", err)
			}
			return
		}
		if err := s.transport.AcceptConnection(localSAP, remoteSAP, miu); err != nil {
			log.Printf("cho: LlcpConnectInd: accept failed: %v", err)
			return
		}
		s.shadowConn = connInfo{localSAP: localSAP, remoteSAP: remoteSAP, miu: miu}
		s.connCollision = true
	}
}

// LlcpConnectResp handles our outbound connect succeeding (transition 5).
func (s *Session) LlcpConnectResp(localSAP, remoteSAP byte, miu uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateW4CC {
		return
	}
	s.conn = connInfo{localSAP: localSAP, remoteSAP: remoteSAP, miu: miu}
	s.sub = SubW4LocalHr
	s.role = RoleRequester
	s.state = StateConnected
}

// LlcpDisconnectInd and LlcpDisconnectResp both drain a torn-down
// connection back to Idle. In W4CC, if the torn-down connection was the
// shadow (collision) slot, the primary attempt survives.
func (s *Session) LlcpDisconnectInd(localSAP, remoteSAP byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleDisconnectLocked(localSAP, remoteSAP, ReasonPeerRequest)
}

func (s *Session) LlcpDisconnectResp(localSAP, remoteSAP byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleDisconnectLocked(localSAP, remoteSAP, ReasonApiRequest)
}

func (s *Session) handleDisconnectLocked(localSAP, remoteSAP byte, reason DisconnectReason) {
	if s.connCollision && s.shadowConn.localSAP == localSAP && s.shadowConn.remoteSAP == remoteSAP {
		s.connCollision = false
		s.shadowConn = connInfo{}
		return
	}
	switch s.state {
	case StateW4CC, StateConnected:
		s.toIdleLocked(reason)
	}
}

// LlcpCongest updates the congestion flag on the active connection (or the
// shadow connection during a collision).
func (s *Session) LlcpCongest(localSAP, remoteSAP byte, congested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connCollision && s.shadowConn.localSAP == localSAP && s.shadowConn.remoteSAP == remoteSAP {
		s.shadowConn.congested = congested
		return
	}
	s.conn.congested = congested
}

// RxHandoverMsg delivers a fully reassembled inbound NDEF message from the
// LLCP adaptor. In W4CC it means the peer sent Hr before accepting our
// connection (transition 6). In Connected it drives the Hr/Hs exchange and
// collision resolution (transition 9).
func (s *Session) RxHandoverMsg(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateW4CC:
		if !s.connCollision {
			s.disconnectLocked(ReasonSemanticError)
			return
		}
		s.conn = s.shadowConn
		s.shadowConn = connInfo{}
		s.connCollision = false
		s.role = RoleSelector
		s.state = StateConnected
		s.processIncomingLocked(msg)
	case StateConnected:
		s.processIncomingLocked(msg)
	}
}

func (s *Session) processIncomingLocked(msg []byte) {
	switch GetMsgType(msg) {
	case MsgHs:
		if s.sub != SubW4RemoteHs {
			s.disconnectLocked(ReasonSemanticError)
			return
		}
		hs, err := ParseHs(msg)
		if err != nil {
			s.disconnectLocked(ReasonInvalidMsg)
			return
		}
		s.stopHsTimer()
		s.sub = SubW4LocalHr
		s.emit(SelectEvent{Hs: hs})
	case MsgHr:
		switch s.sub {
		case SubW4RemoteHr:
			s.acceptPeerHrLocked(msg)
		case SubW4RemoteHs:
			s.resolveCollisionLocked(msg)
		default:
			s.disconnectLocked(ReasonSemanticError)
		}
	default:
		s.disconnectLocked(ReasonUnknownMsg)
	}
}

// acceptPeerHrLocked parses a peer Hr and notifies the application with a
// Request event. Per the original nfa_cho_proc_hr, a peer whose major
// version exceeds ours is answered with an empty Hs without ever notifying
// the application (spec.md §9 open question, kept intentionally).
func (s *Session) acceptPeerHrLocked(msg []byte) {
	hr, err := ParseHr(msg)
	if err != nil {
		s.disconnectLocked(ReasonInvalidMsg)
		return
	}
	if versionMajor(hr.Version) > versionMajor(ImplementedVersion) {
		n, err := BuildHs(s.txBuf, s.maxSize, ImplementedVersion, nil, nil)
		if err != nil {
			s.disconnectLocked(ReasonInternalError)
			return
		}
		if err := s.transport.SendMessage(s.txBuf[:n]); err != nil {
			s.disconnectLocked(ReasonConnectionFail)
			return
		}
		s.sub = SubW4RemoteHr
		return
	}
	s.sub = SubW4LocalHs
	s.emit(RequestEvent{Hr: hr})
}

// resolveCollisionLocked implements the collision-resolution algorithm of
// spec.md §4.D: both peers sent Hr, compare tx_random_number to the peer's.
func (s *Session) resolveCollisionLocked(msg []byte) {
	theirs, err := GetRandomNumber(msg)
	if err != nil {
		s.disconnectLocked(ReasonInvalidMsg)
		return
	}
	ours := s.txRandom

	switch {
	case ours == theirs:
		s.role = RoleUndecided
		ours = s.clk.RandomU16()
		s.txRandom = ours
		if err := UpdateRandomNumber(s.txBuf[:s.txSize], ours); err != nil {
			s.disconnectLocked(ReasonInternalError)
			return
		}
		if err := s.transport.SendMessage(s.txBuf[:s.txSize]); err != nil {
			s.disconnectLocked(ReasonConnectionFail)
			return
		}
		s.sub = SubW4RemoteHs
		s.startHsTimer()
	case (ours&1 == theirs&1 && ours > theirs) || (ours&1 != theirs&1 && ours < theirs):
		s.role = RoleSelector
		if s.connCollision {
			if err := s.transport.Disconnect(); err != nil {
				log.Printf("cho: resolveCollision: shadow disconnect: %v", err)
			}
			s.connCollision = false
			s.shadowConn = connInfo{}
		}
		s.acceptPeerHrLocked(msg)
	default:
		s.role = RoleRequester
		s.sub = SubW4RemoteHs
	}
}

// SendHr builds and sends a Handover Request (transition 7): remembers the
// random number, starts the 1-second Hs timer.
func (s *Session) SendHr(version byte, acInfos []AcInfo, carriers []CarrierRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.sub != SubW4LocalHr {
		return fmt.Errorf("cho: SendHr invalid in state %s/%d", s.state, s.sub)
	}
	s.version = version
	random := s.clk.RandomU16()
	n, err := BuildHr(s.txBuf, s.maxSize, version, random, acInfos, carriers)
	if err != nil {
		return err
	}
	s.txRandom = random
	s.txSize = n
	if err := s.transport.SendMessage(s.txBuf[:n]); err != nil {
		return err
	}
	s.sub = SubW4RemoteHs
	s.startHsTimer()
	return nil
}

// SendHs builds and sends a Handover Select (transition 8).
func (s *Session) SendHs(acInfos []AcInfo, carriers []CarrierRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.sub != SubW4LocalHs {
		return fmt.Errorf("cho: SendHs invalid in state %s/%d", s.state, s.sub)
	}
	n, err := BuildHs(s.txBuf, s.maxSize, s.version, acInfos, carriers)
	if err != nil {
		return err
	}
	if err := s.transport.SendMessage(s.txBuf[:n]); err != nil {
		return err
	}
	s.sub = SubW4RemoteHr
	return nil
}

// SendSelError builds and sends an Hs error record in place of a normal Hs.
func (s *Session) SendSelError(reason ErrorReason, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.sub != SubW4LocalHs {
		return fmt.Errorf("cho: SendSelError invalid in state %s/%d", s.state, s.sub)
	}
	n, err := BuildHsError(s.txBuf, s.maxSize, s.version, reason, data)
	if err != nil {
		return err
	}
	if err := s.transport.SendMessage(s.txBuf[:n]); err != nil {
		return err
	}
	s.sub = SubW4RemoteHr
	return nil
}

// Timeout fires when the Hs timer expires while Connected; it disconnects
// with ReasonTimeout (transition 10). Spuriously firing outside that wait
// is ignored.
func (s *Session) Timeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected && (s.sub == SubW4RemoteHs || s.sub == SubW4RemoteHr) {
		s.disconnectLocked(ReasonTimeout)
	}
}

// ReportInvalidMessage is called by the LLCP adaptor when a reassembled
// buffer fails NDEF validation outright (not just "incomplete so far"),
// disconnecting with ReasonInvalidMsg.
func (s *Session) ReportInvalidMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.disconnectLocked(ReasonInvalidMsg)
	}
}

// PermMemError is raised by the LLCP adaptor when reassembly overflows its
// buffer cap; the session replies with an Hs error and disconnects.
func (s *Session) PermMemError(capBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return
	}
	var data [4]byte
	data[0] = byte(capBytes >> 24)
	data[1] = byte(capBytes >> 16)
	data[2] = byte(capBytes >> 8)
	data[3] = byte(capBytes)
	n, err := BuildHsError(s.txBuf, s.maxSize, s.version, ErrPermanentMemory, data[:])
	if err == nil {
		if serr := s.transport.SendMessage(s.txBuf[:n]); serr != nil {
			log.Printf("cho: PermMemError: send failed: %v", serr)
		}
	}
	s.disconnectLocked(ReasonInternalError)
}

func (s *Session) disconnectLocked(reason DisconnectReason) {
	if err := s.transport.Disconnect(); err != nil {
		log.Printf("cho: disconnect: transport error: %v", err)
	}
	s.toIdleLocked(reason)
}

func (s *Session) toIdleLocked(reason DisconnectReason) {
	s.stopHsTimer()
	s.state = StateIdle
	s.sub = SubNone
	s.role = RoleUndecided
	s.conn = connInfo{}
	s.shadowConn = connInfo{}
	s.connCollision = false
	s.emit(DisconnectedEvent{Reason: reason})
}
