package wsllcp

import (
	"crypto/tls"
	"net/http"

	"github.com/gorilla/websocket"
)

// BridgePath is the HTTP path the websocket bridge upgrades on.
const BridgePath = "/cho-bridge"

// Dial opens a websocket connection to a chohost peer's bridge endpoint
// and returns an unbound Link. The caller wires it to an llcp.Adaptor
// (which in turn needs this Link to construct, since it implements
// llcp.DataLink) before calling Bind and Run:
//
//	link, _ := wsllcp.Dial(addr, cfg, miu)
//	adaptor := llcp.NewAdaptor(link, rxCap)
//	session := cho.NewSession(clk, adaptor, maxSize)
//	adaptor.Bind(session)
//	link.Bind(adaptor)
//	go link.Run()
//
// addr is a host:port; tlsConfig may be nil to use plain ws:// (only
// appropriate for loopback testing; spec.md's domain stack calls for
// chotls everywhere else).
func Dial(addr string, tlsConfig *tls.Config, localMIU uint16) (*Link, error) {
	scheme := "ws"
	dialer := websocket.DefaultDialer
	if tlsConfig != nil {
		scheme = "wss"
		dialer = &websocket.Dialer{TLSClientConfig: tlsConfig}
	}
	url := scheme + "://" + addr + BridgePath
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewLink(conn, localMIU, true), nil
}

// upgrader is shared across accepted connections; CheckOrigin is permissive
// because this bridge is meant for LAN peer-to-peer use, not browser
// clients subject to CORS policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns an http.HandlerFunc that upgrades incoming requests to
// websocket connections and hands each resulting Link to onAccept, which
// is responsible for wiring it to a fresh cho.Session/llcp.Adaptor pair
// (see Dial's doc comment for the wiring sequence) and calling link.Run();
// Handler blocks inside the request goroutine until onAccept returns.
func Handler(localMIU uint16, onAccept func(link *Link)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		link := NewLink(conn, localMIU, false)
		onAccept(link)
	}
}
