// Package wscodec implements the minimal server side of RFC 6455 framing
// used by the session server: the upgrade handshake, unmasked outgoing
// text frames, and masked incoming frame decoding. Only what the soft
// keypad clients actually send is supported; anything fancier (extensions,
// fragmentation, compression) is rejected at the decode layer.
package wscodec

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Opcodes of interest.
const (
	OpText  byte = 0x1
	OpClose byte = 0x8
	OpPing  byte = 0x9
	OpPong  byte = 0xA
)

// MaxPayloadSize bounds a single inbound frame. Session payloads are small
// JSON objects; anything larger is a broken or hostile peer.
const MaxPayloadSize = 1 << 20

// maxControlPayload is the RFC 6455 payload limit for control frames.
const maxControlPayload = 125

var (
	// ErrNotHandshake is returned when the first request line is not an
	// HTTP upgrade, meaning the peer speaks legacy line-delimited JSON.
	ErrNotHandshake = errors.New("wscodec: not a websocket handshake")

	// ErrPayloadTooLarge is returned for frames beyond MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wscodec: payload exceeds limit")

	// ErrControlTooLarge is returned for control frames beyond the
	// 125-byte RFC limit.
	ErrControlTooLarge = errors.New("wscodec: control frame payload exceeds 125 bytes")
)

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadHandshake consumes HTTP request lines up to the blank line and
// returns the Sec-WebSocket-Key header value. A request without the key
// header returns ErrNotHandshake; the caller then treats the already
// buffered bytes as legacy traffic.
func ReadHandshake(r *bufio.Reader) (clientKey string, err error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("wscodec: handshake read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Key") {
			clientKey = strings.TrimSpace(value)
		}
	}
	if clientKey == "" {
		return "", ErrNotHandshake
	}
	return clientKey, nil
}

// HandshakeResponse builds the 101 Switching Protocols reply that commits
// the connection to websocket framing.
func HandshakeResponse(clientKey string) []byte {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(clientKey) + "\r\n")
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// EncodeText wraps payload in a single FIN text frame. Server frames are
// never masked.
func EncodeText(payload []byte) []byte {
	n := len(payload)
	frame := make([]byte, 0, n+10)
	frame = append(frame, 0x80|OpText)

	switch {
	case n <= 125:
		frame = append(frame, byte(n))
	case n <= 0xFFFF:
		frame = append(frame, 126, byte(n>>8), byte(n))
	default:
		frame = append(frame, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		frame = append(frame, ext[:]...)
	}

	frame = append(frame, payload...)
	return frame
}

// EncodeClose builds an empty close frame.
func EncodeClose() []byte {
	return []byte{0x80 | OpClose, 0}
}

// EncodePong builds a pong frame echoing the ping payload. Control
// payloads are capped at 125 bytes, so an oversized echo is trimmed
// rather than emitted as a malformed frame.
func EncodePong(payload []byte) []byte {
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, 0x80|OpPong, byte(len(payload)))
	return append(frame, payload...)
}

// ReadFrame reads one frame off the wire, unmasking the payload when the
// peer masked it (clients always do). The opcode is returned so the caller
// can handle close and ping control frames.
func ReadFrame(r *bufio.Reader) (opcode byte, payload []byte, err error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("wscodec: frame header: %w", err)
	}

	opcode = header[0] & 0x0F
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, fmt.Errorf("wscodec: extended length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, fmt.Errorf("wscodec: extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > MaxPayloadSize {
		return 0, nil, ErrPayloadTooLarge
	}
	if opcode >= OpClose && length > maxControlPayload {
		return 0, nil, ErrControlTooLarge
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return 0, nil, fmt.Errorf("wscodec: mask key: %w", err)
		}
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wscodec: payload: %w", err)
	}

	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return opcode, payload, nil
}
