package parser

import (
	"bytes"
)

// DelimiterConfig holds delimiter parser configuration.
type DelimiterConfig struct {
	// StartDelimiter is the packet start delimiter (optional).
	StartDelimiter []byte `yaml:"start" json:"start"`

	// EndDelimiter is the packet end delimiter.
	EndDelimiter []byte `yaml:"end" json:"end"`

	// IncludeDelimiters includes delimiters in the returned packet.
	IncludeDelimiters bool `yaml:"include_delimiters" json:"include_delimiters"`

	// SkipTrailing lists single bytes silently consumed after the end
	// delimiter (the keypad bus appends an optional LF after CR).
	SkipTrailing []byte `yaml:"skip_trailing" json:"skip_trailing"`

	// MaxPacketSize is the maximum packet size.
	MaxPacketSize int `yaml:"max_size" json:"max_size"`
}

// DelimiterParser extracts packets based on start/end delimiters.
type DelimiterParser struct {
	config DelimiterConfig
}

// NewDelimiterParser creates a new delimiter-based parser.
func NewDelimiterParser(config DelimiterConfig) *DelimiterParser {
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = 65536
	}
	return &DelimiterParser{config: config}
}

// Parse extracts a complete packet from the buffer. When the start
// delimiter has been seen but the end delimiter has not arrived yet,
// the bytes from the start delimiter onward are retained as remaining
// so a fragmented packet survives across reads.
func (p *DelimiterParser) Parse(buffer []byte) (packet []byte, remaining []byte, err error) {
	if len(buffer) == 0 {
		return nil, buffer, ErrIncompletePacket
	}

	startIdx := 0

	if len(p.config.StartDelimiter) > 0 {
		idx := bytes.Index(buffer, p.config.StartDelimiter)
		if idx == -1 {
			// No start delimiter: discard everything except a possible
			// partial delimiter at the tail.
			keepBytes := len(p.config.StartDelimiter) - 1
			if keepBytes > len(buffer) {
				keepBytes = len(buffer)
			}
			return nil, buffer[len(buffer)-keepBytes:], ErrIncompletePacket
		}
		startIdx = idx
	}

	if len(p.config.EndDelimiter) == 0 {
		return nil, buffer, ErrInvalidPacket
	}

	searchStart := startIdx + len(p.config.StartDelimiter)

	endIdx := bytes.Index(buffer[searchStart:], p.config.EndDelimiter)
	if endIdx == -1 {
		if len(buffer) > p.config.MaxPacketSize {
			return nil, buffer[len(buffer)-len(p.config.EndDelimiter):], ErrBufferOverflow
		}
		return nil, buffer[startIdx:], ErrIncompletePacket
	}

	endIdx += searchStart

	packetStart := startIdx
	packetEnd := endIdx + len(p.config.EndDelimiter)

	if packetEnd-packetStart > p.config.MaxPacketSize {
		return nil, buffer[packetEnd:], ErrBufferOverflow
	}

	if p.config.IncludeDelimiters {
		packet = make([]byte, packetEnd-packetStart)
		copy(packet, buffer[packetStart:packetEnd])
	} else {
		dataStart := packetStart + len(p.config.StartDelimiter)
		packet = make([]byte, endIdx-dataStart)
		copy(packet, buffer[dataStart:endIdx])
	}

	// Consume trailing filler bytes after the end delimiter.
	for packetEnd < len(buffer) && bytes.IndexByte(p.config.SkipTrailing, buffer[packetEnd]) != -1 {
		packetEnd++
	}

	remaining = buffer[packetEnd:]
	return packet, remaining, nil
}

// Validate validates a complete packet.
func (p *DelimiterParser) Validate(packet []byte) error {
	if len(packet) == 0 {
		return ErrInvalidPacket
	}

	if p.config.IncludeDelimiters {
		if len(p.config.StartDelimiter) > 0 && !bytes.HasPrefix(packet, p.config.StartDelimiter) {
			return ErrInvalidPacket
		}
		if !bytes.HasSuffix(packet, p.config.EndDelimiter) {
			return ErrInvalidPacket
		}
	}

	return nil
}

// Reset resets the parser state.
func (p *DelimiterParser) Reset() {
	// Delimiter parser is stateless
}
