// Package wsllcp is a reference llcp.DataLink that tunnels LLCP connection
// events and data over a websocket, standing in for a real NFC-DEP
// connection between two chohost processes (spec.md §4.E's "domain stack"
// transport; there is no requirement that CHO run over real NFC-DEP, only
// that it sit behind the llcp.DataLink interface).
//
// Each Link is a single point-to-point bridge: exactly one logical LLCP
// data-link connection at a time, not a full SAP multiplexer. The side
// that dials is fixed as the logical "A" endpoint and the side that
// accepts as "B"; this is enough to exercise the CHO session's collision
// and negotiation paths without reimplementing LLCP's link-layer SAP
// allocation.
package wsllcp

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dotside-studios/nfc-cho-core/llcp"
)

// DefaultMIU is used for the initial CONNECT until a peer advertises its
// own receive MIU in its accept/connect message.
const DefaultMIU = 248

const (
	localSAPEndpointA  = 0x20
	remoteSAPEndpointA = 0x21
	localSAPEndpointB  = 0x21
	remoteSAPEndpointB = 0x20
)

type wireType string

const (
	wireConnect    wireType = "connect"
	wireAccept     wireType = "accept"
	wireReject     wireType = "reject"
	wireData       wireType = "data"
	wireDisconnect wireType = "disconnect"
	wireCongest    wireType = "congest"
)

type wireMessage struct {
	Type        wireType `json:"type"`
	ServiceName string   `json:"serviceName,omitempty"`
	MIU         uint16   `json:"miu,omitempty"`
	Congested   bool     `json:"congested,omitempty"`
	Data        []byte   `json:"data,omitempty"`
}

// Link implements llcp.DataLink over a *websocket.Conn.
type Link struct {
	conn     *websocket.Conn
	localMIU uint16

	localSAP, remoteSAP byte

	writeMu sync.Mutex

	mu      sync.Mutex
	peerMIU uint16
	adaptor *llcp.Adaptor
}

// NewLink wraps an already-established websocket connection. isDialer
// must be true on the side that initiated the websocket connection and
// false on the side that accepted it; the two sides must disagree.
func NewLink(conn *websocket.Conn, localMIU uint16, isDialer bool) *Link {
	if localMIU == 0 {
		localMIU = DefaultMIU
	}
	l := &Link{conn: conn, localMIU: localMIU, peerMIU: DefaultMIU}
	if isDialer {
		l.localSAP, l.remoteSAP = localSAPEndpointA, remoteSAPEndpointA
	} else {
		l.localSAP, l.remoteSAP = localSAPEndpointB, remoteSAPEndpointB
	}
	return l
}

// Bind attaches the adaptor this link delivers SAP callbacks to. Call
// before Run.
func (l *Link) Bind(a *llcp.Adaptor) {
	l.adaptor = a
}

// Run reads wire messages until the connection closes or errs, dispatching
// each to the bound adaptor. It reports the link as up before entering the
// loop and as down when the loop exits, and blocks until then; callers
// run it in its own goroutine.
func (l *Link) Run() error {
	l.adaptor.OnLinkStatus(true)
	defer l.adaptor.OnLinkStatus(false)

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("wsllcp: malformed wire message: %v", err)
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(msg wireMessage) {
	switch msg.Type {
	case wireConnect:
		l.mu.Lock()
		if msg.MIU != 0 {
			l.peerMIU = msg.MIU
		}
		l.mu.Unlock()
		l.adaptor.OnConnectInd(l.localSAP, l.remoteSAP, msg.MIU)
	case wireAccept:
		l.mu.Lock()
		if msg.MIU != 0 {
			l.peerMIU = msg.MIU
		}
		l.mu.Unlock()
		l.adaptor.OnConnectResp(l.localSAP, l.remoteSAP, msg.MIU)
	case wireReject, wireDisconnect:
		l.adaptor.OnDisconnectInd(l.localSAP, l.remoteSAP)
	case wireCongest:
		l.adaptor.OnCongest(l.localSAP, l.remoteSAP, msg.Congested)
	case wireData:
		l.adaptor.OnDataInd(msg.Data)
	default:
		log.Printf("wsllcp: unknown wire message type %q", msg.Type)
	}
}

func (l *Link) write(msg wireMessage) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(msg)
}

// Connect implements llcp.DataLink: opens an outbound data-link connection
// carrying the well-known handover service name.
func (l *Link) Connect(serviceName string) error {
	return l.write(wireMessage{Type: wireConnect, ServiceName: serviceName, MIU: l.localMIU})
}

func (l *Link) Accept(localSAP, remoteSAP byte) error {
	return l.write(wireMessage{Type: wireAccept, MIU: l.localMIU})
}

func (l *Link) Reject(localSAP, remoteSAP byte) error {
	return l.write(wireMessage{Type: wireReject})
}

func (l *Link) SendSegment(localSAP, remoteSAP byte, segment []byte) error {
	return l.write(wireMessage{Type: wireData, Data: segment})
}

func (l *Link) Disconnect(localSAP, remoteSAP byte) error {
	return l.write(wireMessage{Type: wireDisconnect})
}

// MIU returns the most recently advertised receive MIU of the peer, the
// bound the adaptor must respect when segmenting outbound messages.
func (l *Link) MIU() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerMIU
}

// Close tears down the underlying websocket connection.
func (l *Link) Close() error {
	return l.conn.Close()
}
