package wsllcp

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// ServiceType and ServiceDomain mirror the teacher's mDNS advertisement
// (server/server.go's startMDNS) but name the CHO bridge instead of the
// phone-pairing agent.
const (
	ServiceType   = "_nfc-cho._tcp"
	ServiceDomain = "local."
)

// Advertiser publishes this chohost's bridge endpoint over mDNS so a peer
// on the same LAN can find it without a configured address.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instanceName on ServiceType/ServiceDomain at port,
// with caFingerprint published as a TXT record so a discovering peer can
// confirm it's talking to the right CA before trusting the bridge's
// certificate.
func Advertise(instanceName string, port int, caFingerprint string) (*Advertiser, error) {
	txt := []string{
		"protocol=wsllcp",
		"path=" + BridgePath,
	}
	if caFingerprint != "" {
		txt = append(txt, "ca_sha256="+caFingerprint)
	}
	server, err := zeroconf.Register(instanceName, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("wsllcp: mDNS register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the mDNS advertisement.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Peer describes a discovered chohost bridge endpoint.
type Peer struct {
	Instance      string
	Addr          string
	Port          int
	CAFingerprint string
}

// Discover browses for other chohost bridges on the LAN until ctx is done,
// returning every peer seen.
func Discover(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("wsllcp: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var peers []Peer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			p := Peer{Instance: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				p.Addr = entry.AddrIPv4[0].String()
			}
			for _, rec := range entry.Text {
				if len(rec) > len("ca_sha256=") && rec[:len("ca_sha256=")] == "ca_sha256=" {
					p.CAFingerprint = rec[len("ca_sha256="):]
				}
			}
			peers = append(peers, p)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("wsllcp: browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return peers, nil
}
