package discovery

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/netkit/btcp2p/build"
	"github.com/netkit/btcp2p/netwire"
)

// DefaultDNSTimeout is the default time a single DNS query may take.
const DefaultDNSTimeout = 5 * time.Second

// PeerBootstrapper is an interface that represents an initial peer bootstrap
// mechanism. It provides the addresses of a set of existing peers on the
// network. Several bootstrap mechanisms are implemented: static peers, seed
// files and DNS seeds.
type PeerBootstrapper interface {
	// SampleAddrs returns at most numAddrs peer addresses from the
	// bootstrapper source. The ignore set allows the caller to skip
	// addresses it already knows.
	SampleAddrs(ctx context.Context, numAddrs uint32,
		ignore map[netwire.PeerAddress]struct{}) ([]netwire.PeerAddress,
		error)

	// Name returns a human readable string which names the concrete
	// implementation of the PeerBootstrapper.
	Name() string
}

// MultiSourceBootstrap queries the bootstrappers successively until numAddrs
// addresses are obtained. A failing bootstrapper is logged and skipped.
func MultiSourceBootstrap(ctx context.Context,
	ignore map[netwire.PeerAddress]struct{}, numAddrs uint32,
	bootstrappers ...PeerBootstrapper) []netwire.PeerAddress {

	var addrs []netwire.PeerAddress
	for _, bootstrapper := range bootstrappers {
		// If we already have enough addresses, then we can exit early
		// w/o querying the additional bootstrappers.
		if uint32(len(addrs)) >= numAddrs {
			break
		}
		if ctx.Err() != nil {
			break
		}

		log.Infof("Attempting to bootstrap with: %v", bootstrapper.Name())

		numAddrsLeft := numAddrs - uint32(len(addrs))
		log.Tracef("Querying for %v addresses", numAddrsLeft)

		found, err := bootstrapper.SampleAddrs(ctx, numAddrsLeft, ignore)
		if err != nil {
			log.Errorf("Unable to query bootstrapper %v: %v",
				bootstrapper.Name(), err)
			continue
		}

		for _, addr := range found {
			if _, ok := ignore[addr]; ok {
				continue
			}
			addrs = append(addrs, addr)
		}
	}

	log.Infof("Obtained %v addrs to bootstrap network with", len(addrs))

	return addrs
}

// filterAddrs returns at most numAddrs addresses of addrs that are not in
// ignore.
func filterAddrs(addrs []netwire.PeerAddress, numAddrs uint32,
	ignore map[netwire.PeerAddress]struct{}) []netwire.PeerAddress {

	var result []netwire.PeerAddress
	for _, addr := range addrs {
		if uint32(len(result)) >= numAddrs {
			break
		}
		if _, ok := ignore[addr]; ok {
			continue
		}
		result = append(result, addr)
	}

	return result
}

// StaticBootstrapper returns a fixed list of peers, typically the ones set in
// the configuration.
type StaticBootstrapper struct {
	addrs []netwire.PeerAddress
}

// A compile time assertion to ensure that StaticBootstrapper meets the
// PeerBootstrapper interface.
var _ PeerBootstrapper = (*StaticBootstrapper)(nil)

// NewStaticBootstrapper returns a bootstrapper serving addrs.
func NewStaticBootstrapper(addrs []netwire.PeerAddress) *StaticBootstrapper {
	return &StaticBootstrapper{addrs: addrs}
}

// SampleAddrs returns the configured addresses.
//
// NOTE: Part of the PeerBootstrapper interface.
func (s *StaticBootstrapper) SampleAddrs(_ context.Context, numAddrs uint32,
	ignore map[netwire.PeerAddress]struct{}) ([]netwire.PeerAddress, error) {

	return filterAddrs(s.addrs, numAddrs, ignore), nil
}

// Name returns the name of the bootstrapper.
//
// NOTE: Part of the PeerBootstrapper interface.
func (s *StaticBootstrapper) Name() string {
	return "Static peers"
}

// SeedFileBootstrapper reads the peers from a CSV file holding one "ip[,port]"
// line per peer.
type SeedFileBootstrapper struct {
	path        string
	defaultPort uint16
}

// A compile time assertion to ensure that SeedFileBootstrapper meets the
// PeerBootstrapper interface.
var _ PeerBootstrapper = (*SeedFileBootstrapper)(nil)

// NewSeedFileBootstrapper returns a bootstrapper reading path. Lines without
// a port use defaultPort.
func NewSeedFileBootstrapper(path string,
	defaultPort uint16) *SeedFileBootstrapper {

	return &SeedFileBootstrapper{
		path:        path,
		defaultPort: defaultPort,
	}
}

// SampleAddrs reads the seed file.
//
// NOTE: Part of the PeerBootstrapper interface.
func (s *SeedFileBootstrapper) SampleAddrs(_ context.Context, numAddrs uint32,
	ignore map[netwire.PeerAddress]struct{}) ([]netwire.PeerAddress, error) {

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	addrs, err := ParseSeeds(f, s.defaultPort)
	if err != nil {
		return nil, fmt.Errorf("invalid seed file %v: %w", s.path, err)
	}

	return filterAddrs(addrs, numAddrs, ignore), nil
}

// Name returns the name of the bootstrapper.
//
// NOTE: Part of the PeerBootstrapper interface.
func (s *SeedFileBootstrapper) Name() string {
	return fmt.Sprintf("Seed file: %v", s.path)
}

// ParseSeeds parses "ip[,port]" lines. Empty lines and lines starting with
// '#' are skipped.
func ParseSeeds(r io.Reader, defaultPort uint16) ([]netwire.PeerAddress,
	error) {

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var addrs []netwire.PeerAddress
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		line, _ := reader.FieldPos(0)
		if len(row) > 2 {
			return nil, fmt.Errorf("line %d: expected ip[,port]",
				line)
		}

		ip, err := netip.ParseAddr(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		port := defaultPort
		if len(row) == 2 && strings.TrimSpace(row[1]) != "" {
			p, err := strconv.ParseUint(
				strings.TrimSpace(row[1]), 10, 16,
			)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid "+
					"port: %w", line, err)
			}
			port = uint16(p)
		}

		addrs = append(addrs, netwire.NewPeerAddress(ip, port))
	}

	return addrs, nil
}

// DNSSeedBootstrapper is an implementation of the PeerBootstrapper interface
// which resolves the A and AAAA records of DNS seeds. Every address returned
// by a seed is assumed to listen on the default port of the network.
type DNSSeedBootstrapper struct {
	seeds       []string
	server      string
	defaultPort uint16
	client      *dns.Client
}

// A compile time assertion to ensure that DNSSeedBootstrapper meets the
// PeerBootstrapper interface.
var _ PeerBootstrapper = (*DNSSeedBootstrapper)(nil)

// NewDNSSeedBootstrapper returns a bootstrapper querying seeds through the
// DNS server at server ("host:port"). When server is empty, the first
// nameserver of /etc/resolv.conf is used.
func NewDNSSeedBootstrapper(seeds []string, server string, defaultPort uint16,
	timeout time.Duration) (*DNSSeedBootstrapper, error) {

	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("unable to find a DNS server: "+
				"%w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no DNS server configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}

	return &DNSSeedBootstrapper{
		seeds:       seeds,
		server:      server,
		defaultPort: defaultPort,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}, nil
}

// lookup queries the records of type qtype of host.
func (d *DNSSeedBootstrapper) lookup(ctx context.Context, host string,
	qtype uint16) ([]netip.Addr, error) {

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		return nil, err
	}

	// If the message response code was not the success code, fail.
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("unsuccessful %v request for %v, "+
			"received: %v", dns.TypeToString[qtype], host,
			dns.RcodeToString[resp.Rcode])
	}

	var ips []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch record := rr.(type) {
		case *dns.A:
			ip = record.A
		case *dns.AAAA:
			ip = record.AAAA
		default:
			continue
		}

		if addr, ok := netip.AddrFromSlice(ip); ok {
			ips = append(ips, addr.Unmap())
		}
	}

	return ips, nil
}

// SampleAddrs resolves every seed until numAddrs addresses are found. A seed
// failing to resolve is skipped, an error is only returned when every seed
// failed.
//
// NOTE: Part of the PeerBootstrapper interface.
func (d *DNSSeedBootstrapper) SampleAddrs(ctx context.Context, numAddrs uint32,
	ignore map[netwire.PeerAddress]struct{}) ([]netwire.PeerAddress, error) {

	var (
		addrs   []netwire.PeerAddress
		lastErr error
		failed  int
	)

search:
	for _, seed := range d.seeds {
		var resolved []netip.Addr
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			ips, err := d.lookup(ctx, seed, qtype)
			if err != nil {
				log.Debugf("Unable to query %v records of "+
					"%v: %v", dns.TypeToString[qtype],
					seed, err)
				lastErr = err
				continue
			}
			resolved = append(resolved, ips...)
		}

		if len(resolved) == 0 {
			failed++
			continue
		}

		log.Tracef("Retrieved records from dns seed %v: %v", seed,
			build.SpewLogClosure(resolved))

		for _, ip := range resolved {
			if uint32(len(addrs)) >= numAddrs {
				break search
			}

			addr := netwire.NewPeerAddress(ip, d.defaultPort)
			if _, ok := ignore[addr]; ok {
				continue
			}
			addrs = append(addrs, addr)
		}
	}

	if failed == len(d.seeds) && lastErr != nil {
		return nil, lastErr
	}

	return addrs, nil
}

// Name returns a human readable string which names the concrete
// implementation of the PeerBootstrapper.
//
// NOTE: Part of the PeerBootstrapper interface.
func (d *DNSSeedBootstrapper) Name() string {
	return fmt.Sprintf("DNS seeds: %v", d.seeds)
}
