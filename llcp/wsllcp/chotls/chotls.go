// Package chotls bootstraps a local CA and leaf certificate for the
// websocket CHO bridge (spec.md §4.E's reference transport), so two
// chohost processes on a LAN talk wss:// instead of plaintext. It adapts
// the teacher's TLS manager to a narrower job: no CA-distribution HTTP
// endpoint, just "make me a trusted cert for these hosts" on both ends of
// the bridge.
package chotls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/jittering/truststore"
)

// Bundle holds the filesystem locations and derived TLS configs for a
// bootstrapped certificate.
type Bundle struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Bootstrap ensures a CA trusted by this machine and a leaf certificate
// valid for hosts exist under configDir, generating them if needed. It is
// idempotent: a second call against the same configDir and hosts reuses
// the existing certificate.
func Bootstrap(configDir string, hosts []string) (*Bundle, error) {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	if err := os.MkdirAll(tlsDir, 0700); err != nil {
		return nil, fmt.Errorf("chotls: create tls dir: %w", err)
	}
	if err := os.MkdirAll(caDir, 0700); err != nil {
		return nil, fmt.Errorf("chotls: create ca dir: %w", err)
	}

	b := &Bundle{
		CertFile: filepath.Join(tlsDir, "bridge.crt"),
		KeyFile:  filepath.Join(tlsDir, "bridge.key"),
		CAFile:   filepath.Join(caDir, "rootCA.pem"),
	}

	if certsExist(b) {
		return b, nil
	}

	os.Setenv("CAROOT", caDir)
	ml, err := truststore.NewLib()
	if err != nil {
		return nil, fmt.Errorf("chotls: init truststore: %w", err)
	}
	log.Println("chotls: installing local CA into system trust store (may prompt for password)")
	if err := ml.Install(); err != nil {
		return nil, fmt.Errorf("chotls: install CA: %w", err)
	}

	cert, err := ml.MakeCert(hosts, tlsDir)
	if err != nil {
		return nil, fmt.Errorf("chotls: generate certificate: %w", err)
	}
	if cert.CertFile != b.CertFile {
		if err := os.Rename(cert.CertFile, b.CertFile); err != nil {
			return nil, fmt.Errorf("chotls: rename cert: %w", err)
		}
	}
	if cert.KeyFile != b.KeyFile {
		if err := os.Rename(cert.KeyFile, b.KeyFile); err != nil {
			return nil, fmt.Errorf("chotls: rename key: %w", err)
		}
	}

	if fp, err := b.CAFingerprint(); err == nil {
		log.Printf("chotls: CA fingerprint (SHA256): %s", fp)
	}
	return b, nil
}

func certsExist(b *Bundle) bool {
	_, certErr := os.Stat(b.CertFile)
	_, keyErr := os.Stat(b.KeyFile)
	return certErr == nil && keyErr == nil
}

// CAFingerprint returns the colon-separated SHA-256 fingerprint of the
// root CA certificate, useful for out-of-band verification (e.g. printed
// alongside the mDNS advertisement) when a peer hasn't trusted the CA yet.
func (b *Bundle) CAFingerprint() (string, error) {
	certPEM, err := os.ReadFile(b.CAFile)
	if err != nil {
		return "", fmt.Errorf("chotls: read CA cert: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("chotls: decode CA PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("chotls: parse CA cert: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)
	out := make([]byte, 0, len(sum)*3-1)
	const hex = "0123456789ABCDEF"
	for i, c := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[c>>4], hex[c&0x0F])
	}
	return string(out), nil
}

// ServerConfig loads the bootstrapped certificate into a *tls.Config
// suitable for http.Server.TLSConfig / the websocket upgrade listener.
func (b *Bundle) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("chotls: load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Hosts returns localhost plus every non-loopback IPv4 address on this
// machine, the host set a bridge certificate needs to cover.
func Hosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	ifaces, err := net.Interfaces()
	if err != nil {
		return hosts, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				hosts = append(hosts, ip.String())
			}
		}
	}
	return hosts, nil
}
