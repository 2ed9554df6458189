package netcfg

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/netkit/btcp2p/netwire"
)

// ParsePeerAddress parses an ip[:port] string. IPv6 hosts with a port must be
// bracketed. The default port is used when none is given.
func ParsePeerAddress(s string, defaultPort uint16) (netwire.PeerAddress,
	error) {

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netwire.NewPeerAddress(ap.Addr(), ap.Port()), nil
	}

	host := s
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netwire.PeerAddress{}, fmt.Errorf("invalid peer "+
			"address %q: %w", s, err)
	}

	return netwire.NewPeerAddress(ip, defaultPort), nil
}

// ParsePeerAddresses parses every address, failing on the first invalid one.
// Duplicates are dropped.
func ParsePeerAddresses(addrs []string,
	defaultPort uint16) ([]netwire.PeerAddress, error) {

	result := make([]netwire.PeerAddress, 0, len(addrs))
	seen := make(map[netwire.PeerAddress]struct{}, len(addrs))
	for _, s := range addrs {
		addr, err := ParsePeerAddress(s, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}

	return result, nil
}

// NormalizeAddresses returns a new slice with all the passed addresses
// normalized with the given default port and all duplicates removed.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string,
	error) {

	result := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		normalized := verifyPort(addr, defaultPort)
		if _, _, err := net.SplitHostPort(normalized); err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w",
				addr, err)
		}

		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	return result, nil
}

// verifyPort makes sure that an address string has both a host and a port.
// If there is no port found, the default port is appended. If the address is
// just a port, then we'll assume that the user is using the short cut to
// specify a localhost:port address.
func verifyPort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// If the address itself is just an integer, then we'll assume
		// that we're mapping this directly to a localhost:port pair.
		// This ensures we maintain the legacy behavior.
		if _, err := strconv.Atoi(address); err == nil {
			return net.JoinHostPort("localhost", address)
		}

		// Otherwise, we'll assume that the address just failed to
		// attach its own port, so we'll use the default port. In the
		// case of IPv6 addresses, if the host is already surrounded by
		// brackets, then we'll avoid using the JoinHostPort function,
		// since it will always add a pair of brackets.
		if len(address) > 1 && address[0] == '[' &&
			address[len(address)-1] == ']' {

			return address + ":" + defaultPort
		}

		return net.JoinHostPort(address, defaultPort)
	}

	// In the case that both the host and port are empty, we'll use the
	// default port.
	if host == "" && port == "" {
		return ":" + defaultPort
	}

	return address
}
