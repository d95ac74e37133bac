package wsllcp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-cho-core/cho"
	"github.com/dotside-studios/nfc-cho-core/internal/clock"
	"github.com/dotside-studios/nfc-cho-core/llcp"
)

// chanListener delivers cho.Events to a channel so a test goroutine can
// wait on them instead of polling session state from the wrong goroutine.
type chanListener struct {
	events chan cho.Event
}

func newChanListener() *chanListener {
	return &chanListener{events: make(chan cho.Event, 8)}
}

func (l *chanListener) OnEvent(e cho.Event) { l.events <- e }

func waitEvent(t *testing.T, ch <-chan cho.Event) cho.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// waitEventBackground is like waitEvent but safe to call from a goroutine
// other than the test's own; it reports failures with Error, never
// FailNow, since FailNow is only safe on the test goroutine itself.
func waitEventBackground(t *testing.T, ch <-chan cho.Event) (cho.Event, bool) {
	select {
	case e := <-ch:
		return e, true
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for event")
		return nil, false
	}
}

// buildSession wires a fresh cho.Session on top of a Link, following the
// construction order Dial/Handler's doc comments describe. The session
// starts Idle with the link not yet activated; Link.Run (started by the
// caller) raises the ActivatedEvent once it begins reading.
func buildSession(t *testing.T, link *Link, seq ...uint16) (*cho.Session, *chanListener) {
	t.Helper()
	adaptor := llcp.NewAdaptor(link, llcp.DefaultRxCap)
	fc := clock.NewFakeClock(time.Unix(0, 0))
	if len(seq) > 0 {
		fc.SetRandomSequence(seq...)
	}
	session := cho.NewSession(fc, adaptor, 2048)
	t.Cleanup(session.Close)
	adaptor.Bind(session)
	link.Bind(adaptor)

	l := newChanListener()
	if err := session.Register(l); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return session, l
}

// TestBridgeCarriesFullHandoverExchange dials a real websocket connection
// into an httptest server, builds a cho.Session on each end, and runs a
// full Requester/Selector Hr/Hs exchange across the bridge.
func TestBridgeCarriesFullHandoverExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(BridgePath, Handler(DefaultMIU, func(link *Link) {
		sess, l := buildSession(t, link)
		go link.Run()

		activated, ok := waitEventBackground(t, l.events)
		if !ok {
			return
		}
		if _, ok := activated.(cho.ActivatedEvent); !ok {
			t.Error("server: expected ActivatedEvent first")
			return
		}
		next, ok := waitEventBackground(t, l.events)
		if !ok {
			return
		}
		reqEv, ok := next.(cho.RequestEvent)
		if !ok {
			t.Error("server: expected RequestEvent")
			return
		}
		if len(reqEv.Hr.Carriers) != 0 {
			t.Errorf("server: unexpected carriers: %+v", reqEv.Hr.Carriers)
		}
		if err := sess.SendHs(nil, nil); err != nil {
			t.Errorf("server: SendHs: %v", err)
		}
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	clientLink, err := Dial(addr, nil, DefaultMIU)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientSess, clientL := buildSession(t, clientLink, 0x4242)
	go clientLink.Run()

	if _, ok := waitEvent(t, clientL.events).(cho.ActivatedEvent); !ok {
		t.Fatal("client: expected ActivatedEvent first")
	}
	if err := clientSess.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for clientSess.State() != cho.StateConnected {
		select {
		case <-deadline:
			t.Fatal("client never reached Connected")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := clientSess.SendHr(cho.ImplementedVersion, nil, nil); err != nil {
		t.Fatalf("SendHr: %v", err)
	}

	if _, ok := waitEvent(t, clientL.events).(cho.SelectEvent); !ok {
		t.Fatal("client: expected SelectEvent")
	}
}
