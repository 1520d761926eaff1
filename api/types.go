// File: api/types.go
//
// Shared data-model types: connection mode, IPv4 peer address, and
// the TLS peer certificate handle exposed to the higher layer.

package api

import (
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
)

// ConnMode distinguishes how a connection came into being.
type ConnMode int

const (
	// Active connections were opened by this process via Connect.
	Active ConnMode = iota
	// Passive connections were accepted from a listening socket.
	Passive
	// Dead is the terminal state, set when the connection is stopped;
	// the fd is closed and reset to -1 afterwards, when the dispatcher
	// removes the connection from the registry.
	Dead
)

func (m ConnMode) String() string {
	switch m {
	case Active:
		return "active"
	case Passive:
		return "passive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// NetAddr is an IPv4 address + port in canonical "A.B.C.D:P" form, per
// spec §3 (the wire-level structures are IPv4-centric; see
// spec §9 Open Questions on IPv6).
type NetAddr struct {
	IP   [4]byte
	Port uint16
}

// ParseNetAddr parses "A.B.C.D:P" into a NetAddr.
func ParseNetAddr(s string) (NetAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetAddr{}, fmt.Errorf("connpool: invalid address %q: %w", s, err)
	}
	ip4 := net.ParseIP(host).To4()
	if ip4 == nil {
		return NetAddr{}, fmt.Errorf("connpool: not an IPv4 address: %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NetAddr{}, fmt.Errorf("connpool: invalid port %q: %w", portStr, err)
	}
	var a NetAddr
	copy(a.IP[:], ip4)
	a.Port = uint16(port)
	return a, nil
}

// String renders the canonical "A.B.C.D:P" form.
func (a NetAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// PeerCertificate is the peer's end-entity certificate, captured once
// on a successful TLS handshake and immutable thereafter.
type PeerCertificate struct {
	Cert *x509.Certificate
}

// PublicKeyDER extracts the peer's public key in DER form.
func (p *PeerCertificate) PublicKeyDER() ([]byte, error) {
	if p == nil || p.Cert == nil {
		return nil, fmt.Errorf("connpool: no peer certificate")
	}
	return p.Cert.RawSubjectPublicKeyInfo, nil
}
