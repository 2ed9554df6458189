package netcfg

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/handshake"
)

// Protocol holds the protocol settings advertised and enforced by the node.
//
//nolint:ll
type Protocol struct {
	Network string `long:"network" description:"The network to join." choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`

	Magic uint32 `long:"magic" description:"Override the network magic of the frames. Zero uses the magic of the network."`

	Version uint32 `long:"version" description:"The protocol version advertised in version messages."`

	MinVersion uint32 `long:"minversion" description:"The lowest protocol version accepted from peers."`

	Services uint64 `long:"services" description:"The service bits advertised in version messages."`

	UserAgentName string `long:"useragentname" description:"The name part of the advertised user agent."`

	UserAgentVersion string `long:"useragentversion" description:"The version part of the advertised user agent."`

	RelayTx bool `long:"relaytx" description:"Ask peers to relay transactions."`

	Witness bool `long:"witness" description:"Encode and request blocks and transactions with their witness data."`

	SkipUnknown bool `long:"skipunknown" description:"Deliver messages of unknown commands as raw payloads instead of closing the connection."`
}

// DefaultProtocol returns the default protocol settings.
func DefaultProtocol() *Protocol {
	return &Protocol{
		Network:          DefaultNetwork,
		Version:          wire.ProtocolVersion,
		MinVersion:       handshake.DefaultMinVersion,
		Services:         uint64(wire.SFNodeNetwork | wire.SFNodeWitness),
		UserAgentName:    handshake.DefaultUserAgentName,
		UserAgentVersion: handshake.DefaultUserAgentVersion,
		RelayTx:          true,
		Witness:          true,
	}
}

// Net returns the magic of the frames.
func (p *Protocol) Net() (wire.BitcoinNet, error) {
	if p.Magic != 0 {
		return wire.BitcoinNet(p.Magic), nil
	}

	params, err := ChainParams(p.Network)
	if err != nil {
		return 0, err
	}

	return params.Net, nil
}

// Validate checks the protocol settings.
//
// NOTE: Part of the Validator interface.
func (p *Protocol) Validate() error {
	if _, err := ChainParams(p.Network); err != nil {
		return err
	}

	if p.Version == 0 {
		return fmt.Errorf("protocol version must be set")
	}

	if p.MinVersion > p.Version {
		return fmt.Errorf("min version %d is above protocol version %d",
			p.MinVersion, p.Version)
	}

	if p.UserAgentName == "" {
		return fmt.Errorf("user agent name must be set")
	}

	return nil
}
