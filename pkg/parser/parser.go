// Package parser provides packet extraction from byte streams. The serial
// bus delivers keypad frames in arbitrary read-sized chunks; the parser
// reassembles them into bounded packets.
package parser

import (
	"errors"
)

// Common parser errors.
var (
	ErrIncompletePacket = errors.New("incomplete packet")
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrBufferOverflow   = errors.New("buffer overflow")
)

// Parser extracts complete packets from a byte stream.
type Parser interface {
	// Parse attempts to extract a complete packet from the buffer.
	// Returns:
	//   - packet: the extracted packet (nil if incomplete)
	//   - remaining: bytes remaining in buffer after extraction
	//   - err: any parsing error
	Parse(buffer []byte) (packet []byte, remaining []byte, err error)

	// Validate validates a complete packet.
	Validate(packet []byte) error

	// Reset resets the parser state.
	Reset()
}

// Buffer manages incoming data for parsing. Each serial device owns one
// Buffer; it is not safe for concurrent use.
type Buffer struct {
	data    []byte
	maxSize int
	parser  Parser
}

// NewBuffer creates a new parse buffer.
func NewBuffer(maxSize int, parser Parser) *Buffer {
	return &Buffer{
		data:    make([]byte, 0, maxSize),
		maxSize: maxSize,
		parser:  parser,
	}
}

// Write adds data to the buffer.
func (b *Buffer) Write(data []byte) error {
	if len(b.data)+len(data) > b.maxSize {
		return ErrBufferOverflow
	}
	b.data = append(b.data, data...)
	return nil
}

// Parse attempts to extract a complete packet.
func (b *Buffer) Parse() ([]byte, error) {
	if len(b.data) == 0 {
		return nil, ErrIncompletePacket
	}

	packet, remaining, err := b.parser.Parse(b.data)
	if err != nil {
		b.data = append(b.data[:0], remaining...)
		return nil, err
	}

	b.data = append(b.data[:0], remaining...)
	return packet, nil
}

// ParseAll extracts all complete packets from the buffer.
func (b *Buffer) ParseAll() ([][]byte, error) {
	var packets [][]byte

	for {
		packet, err := b.Parse()
		if err == ErrIncompletePacket {
			break
		}
		if err != nil {
			return packets, err
		}
		if packet == nil {
			break
		}
		packets = append(packets, packet)
	}

	return packets, nil
}

// Len returns the current buffer length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset clears the buffer.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.parser.Reset()
}
