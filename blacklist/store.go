package blacklist

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/netkit/btcp2p/events"
)

// netDir is the working subdirectory holding the network records.
const netDir = "net"

// Record is a persisted blacklisted host.
type Record struct {
	Host   netip.Addr
	Since  time.Time
	Reason events.BlacklistReason
}

// FileStore persists the blacklisted hosts of one network as a CSV file with
// one "ip,timestamp,reason" row per host.
type FileStore struct {
	path string
}

// NewFileStore returns the store of the network identified by id, under
// dataDir.
func NewFileStore(dataDir, id string) *FileStore {
	return &FileStore{
		path: filepath.Join(
			dataDir, netDir, fmt.Sprintf("blacklist-%s.csv", id),
		),
	}
}

// Path returns the location of the file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted hosts. A missing file yields no records.
func (s *FileStore) Load() ([]Record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decodeRecords(f)
}

// Save replaces the persisted hosts with records.
func (s *FileStore) Save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	data, err := encodeRecords(records)
	if err != nil {
		return err
	}

	return fn.WriteFile(s.path, data, 0600)
}

// encodeRecords serializes records as CSV.
func encodeRecords(records []Record) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)

	for _, r := range records {
		err := w.Write([]string{
			r.Host.String(),
			r.Since.UTC().Format(time.RFC3339),
			r.Reason.String(),
		})
		if err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRecords parses the CSV rows written by encodeRecords.
func decodeRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist file: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		host, err := netip.ParseAddr(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		since, err := time.Parse(time.RFC3339, row[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		reason, err := events.ParseBlacklistReason(row[2])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		records = append(records, Record{
			Host:   host.Unmap(),
			Since:  since,
			Reason: reason,
		})
	}

	return records, nil
}
