package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/download"
)

// Download holds the settings of the block downloader.
//
//nolint:ll
type Download struct {
	IBD bool `long:"ibd" description:"Assign blocks strictly in the requested order for the initial block download."`

	NotAvailablePolicy string `long:"notavailablepolicy" description:"What to do when only busy peers announced a block." choice:"assign" choice:"wait"`

	NoAnnouncerPolicy string `long:"noannouncerpolicy" description:"What to do when no peer announced a block." choice:"assign" choice:"wait"`

	WaitUndecided bool `long:"waitundecided" description:"Keep a block pending when no strategy decides who downloads it."`

	MaxAttempts int `long:"maxattempts" description:"The number of attempts before a block is discarded."`

	Timeout time.Duration `long:"timeout" description:"The time a block download may take."`

	IdleTimeout time.Duration `long:"idletimeout" description:"The time a block download may go without receiving bytes."`

	MaxInFlightPerPeer int `long:"maxinflight" description:"The number of blocks a peer downloads at once."`
}

// DefaultDownload returns the default downloader settings.
func DefaultDownload() *Download {
	return &Download{
		NotAvailablePolicy: download.PolicyAssign.String(),
		NoAnnouncerPolicy:  download.PolicyAssign.String(),
		MaxAttempts:        download.DefaultMaxAttempts,
		Timeout:            download.DefaultDownloadTimeout,
		IdleTimeout:        download.DefaultIdleTimeout,
		MaxInFlightPerPeer: download.DefaultMaxInFlightPerPeer,
	}
}

// Policies returns the parsed announcer policies.
func (d *Download) Policies() (download.AnnouncerPolicy,
	download.AnnouncerPolicy, error) {

	notAvailable, err := download.ParseAnnouncerPolicy(
		d.NotAvailablePolicy,
	)
	if err != nil {
		return 0, 0, err
	}

	noAnnouncer, err := download.ParseAnnouncerPolicy(d.NoAnnouncerPolicy)
	if err != nil {
		return 0, 0, err
	}

	return notAvailable, noAnnouncer, nil
}

// Validate checks the downloader settings.
//
// NOTE: Part of the Validator interface.
func (d *Download) Validate() error {
	if _, _, err := d.Policies(); err != nil {
		return err
	}

	if d.MaxAttempts < 1 {
		return fmt.Errorf("download max attempts must be positive")
	}

	if d.Timeout <= 0 || d.IdleTimeout <= 0 {
		return fmt.Errorf("download timeouts must be positive")
	}

	if d.IdleTimeout > d.Timeout {
		return fmt.Errorf("download idle timeout %v exceeds timeout %v",
			d.IdleTimeout, d.Timeout)
	}

	if d.MaxInFlightPerPeer < 1 {
		return fmt.Errorf("download max in flight must be positive")
	}

	return nil
}
