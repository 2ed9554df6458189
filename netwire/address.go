package netwire

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// PeerAddress identifies a remote peer by its IP and port. It is comparable
// and immutable, so it is used directly as a map key throughout the engine.
type PeerAddress struct {
	IP   netip.Addr
	Port uint16
}

// NewPeerAddress returns the address for the given ip and port. IPv4 mapped
// IPv6 addresses are unmapped so the same host always yields the same key.
func NewPeerAddress(ip netip.Addr, port uint16) PeerAddress {
	return PeerAddress{IP: ip.Unmap(), Port: port}
}

// ParsePeerAddress parses an address of the form "host:port". When the port
// is missing, defaultPort is used.
func ParsePeerAddress(addr string, defaultPort uint16) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present, treat the full string as the host.
		host, portStr = addr, strconv.Itoa(int(defaultPort))
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer ip %q: %w",
			host, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer port %q: %w",
			portStr, err)
	}

	return NewPeerAddress(ip, uint16(port)), nil
}

// PeerAddressFromNetAddr converts a TCP net.Addr into a PeerAddress.
func PeerAddressFromNetAddr(addr net.Addr) (PeerAddress, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap := a.AddrPort()
		return NewPeerAddress(ap.Addr(), ap.Port()), nil

	case PeerAddress:
		return a, nil

	default:
		return ParsePeerAddress(addr.String(), 0)
	}
}

// Host returns the IP part of the address. Reputation is tracked per host,
// regardless of the port used.
func (p PeerAddress) Host() netip.Addr {
	return p.IP
}

// AddrPort returns the address as a netip.AddrPort.
func (p PeerAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, p.Port)
}

// String returns the "ip:port" form of the address.
func (p PeerAddress) String() string {
	return p.AddrPort().String()
}

// Network returns "tcp". Together with String it makes PeerAddress a net.Addr
// so it can be handed to the connection manager.
func (p PeerAddress) Network() string {
	return "tcp"
}

// IsValid reports whether the address has a usable IP and a non zero port.
func (p PeerAddress) IsValid() bool {
	return p.IP.IsValid() && p.Port != 0
}

// A compile time check to ensure PeerAddress implements the net.Addr
// interface.
var _ net.Addr = PeerAddress{}
