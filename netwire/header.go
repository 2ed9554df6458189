package netwire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

const (
	// CommandSize is the fixed size of the command field.
	CommandSize = wire.CommandSize

	// HeaderSize is the size of a regular frame header.
	HeaderSize = 4 + CommandSize + 4 + ChecksumSize

	// ExtendedHeaderSize is the size of an extended frame header: the
	// regular header followed by the real command and a 64 bit length.
	ExtendedHeaderSize = HeaderSize + CommandSize + 8

	// ExtendedCommand is the command of the outer header of an extended
	// frame.
	ExtendedCommand = "extmsg"

	// ExtendedLengthMarker is the length of the outer header of an
	// extended frame.
	ExtendedLengthMarker = math.MaxUint32

	// MaxRegularLength is the largest body a regular header can announce.
	MaxRegularLength = math.MaxUint32 - 1
)

// HeaderMsg is the decoded frame header. For extended frames, Command and
// Length hold the values of the extension, and the checksum is unused.
type HeaderMsg struct {
	Magic    wire.BitcoinNet
	Command  string
	Length   uint64
	Checksum [ChecksumSize]byte
	Extended bool
}

// Size returns the number of bytes the header occupies on the wire.
func (h *HeaderMsg) Size() int {
	if h.Extended {
		return ExtendedHeaderSize
	}

	return HeaderSize
}

// String returns a short description of the header for logging.
func (h *HeaderMsg) String() string {
	if h.Extended {
		return fmt.Sprintf("%s(len=%d, extended)", h.Command, h.Length)
	}

	return fmt.Sprintf("%s(len=%d, checksum=%x)", h.Command, h.Length,
		h.Checksum)
}

// NewHeader returns the header for a body with the given command. Bodies
// longer than MaxRegularLength get an extended header.
func NewHeader(net wire.BitcoinNet, command string,
	body []byte) *HeaderMsg {

	h := &HeaderMsg{
		Magic:   net,
		Command: command,
		Length:  uint64(len(body)),
	}
	if h.Length > MaxRegularLength {
		h.Extended = true
		return h
	}
	h.Checksum = Checksum(body)

	return h
}

// Encode serializes the header.
func (h *HeaderMsg) Encode() ([]byte, error) {
	b := make([]byte, h.Size())
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Magic))

	if !h.Extended {
		if h.Length > MaxRegularLength {
			return nil, fmt.Errorf("%w: %d bytes needs an extended "+
				"header", ErrMessageTooLarge, h.Length)
		}
		if err := putCommand(b[4:16], h.Command); err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(b[16:20], uint32(h.Length))
		copy(b[20:24], h.Checksum[:])

		return b, nil
	}

	if err := putCommand(b[4:16], ExtendedCommand); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(b[16:20], ExtendedLengthMarker)
	if err := putCommand(b[24:36], h.Command); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(b[36:44], h.Length)

	return b, nil
}

// DecodeHeader decodes a header from the cursor. On a non blocking cursor an
// incomplete header returns ErrNotEnoughBytes and consumes nothing. Extended
// headers are rejected with ErrExtendedNotAllowed unless allowExtended is set.
func DecodeHeader(c ByteCursor, allowExtended bool) (*HeaderMsg, error) {
	b, err := c.Peek(HeaderSize)
	if err != nil {
		return nil, err
	}

	command, err := parseCommand(b[4:16])
	if err != nil {
		return nil, err
	}

	h := &HeaderMsg{
		Magic:   wire.BitcoinNet(binary.LittleEndian.Uint32(b[0:4])),
		Command: command,
		Length:  uint64(binary.LittleEndian.Uint32(b[16:20])),
	}
	copy(h.Checksum[:], b[20:24])

	if h.Command == ExtendedCommand && h.Length == ExtendedLengthMarker {
		if !allowExtended {
			return nil, ErrExtendedNotAllowed
		}

		b, err = c.Peek(ExtendedHeaderSize)
		if err != nil {
			return nil, err
		}

		h.Command, err = parseCommand(b[24:36])
		if err != nil {
			return nil, err
		}
		h.Length = binary.LittleEndian.Uint64(b[36:44])
		h.Checksum = [ChecksumSize]byte{}
		h.Extended = true
	}

	if _, err := c.Next(h.Size()); err != nil {
		return nil, err
	}

	return h, nil
}

// putCommand writes a NUL padded command into the 12 byte field.
func putCommand(dst []byte, command string) error {
	if len(command) == 0 || len(command) > CommandSize {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	copy(dst, command)

	return nil
}

// parseCommand reads a NUL padded command, rejecting non printable bytes and
// bytes after the padding starts.
func parseCommand(field []byte) (string, error) {
	command := strings.TrimRight(string(field), "\x00")
	if len(command) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidCommand)
	}

	for i := 0; i < len(command); i++ {
		if command[i] < 0x20 || command[i] > 0x7e {
			return "", fmt.Errorf("%w: %q", ErrInvalidCommand,
				command)
		}
	}

	return command, nil
}
