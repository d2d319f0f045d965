package wscodec

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestAcceptKey(t *testing.T) {
	// RFC 6455 sample handshake vector.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("AcceptKey() = %q, want %q", got, want)
	}
}

func TestReadHandshake(t *testing.T) {
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: server.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"sec-websocket-key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	key, err := ReadHandshake(bufio.NewReader(strings.NewReader(req)))
	if err != nil {
		t.Fatalf("ReadHandshake() error = %v", err)
	}
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("key = %q", key)
	}
}

func TestReadHandshakeLegacy(t *testing.T) {
	req := "PING\r\n\r\n"
	_, err := ReadHandshake(bufio.NewReader(strings.NewReader(req)))
	if err != ErrNotHandshake {
		t.Errorf("error = %v, want ErrNotHandshake", err)
	}
}

func TestHandshakeResponse(t *testing.T) {
	resp := string(HandshakeResponse("dGhlIHNhbXBsZSBub25jZQ=="))
	if !strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Errorf("missing status line: %q", resp)
	}
	if !strings.Contains(resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Errorf("missing accept header: %q", resp)
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Errorf("missing terminating blank line: %q", resp)
	}
}

func TestEncodeText(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		wantHeader []byte
	}{
		{"short", 5, []byte{0x81, 5}},
		{"boundary 125", 125, []byte{0x81, 125}},
		{"extended 16-bit", 300, []byte{0x81, 126, 0x01, 0x2C}},
		{"extended 64-bit", 70000, []byte{0x81, 127, 0, 0, 0, 0, 0, 0x01, 0x11, 0x70}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, tt.payloadLen)
			frame := EncodeText(payload)

			if !bytes.HasPrefix(frame, tt.wantHeader) {
				t.Errorf("header = % X, want prefix % X", frame[:len(tt.wantHeader)], tt.wantHeader)
			}
			if got := len(frame) - len(tt.wantHeader); got != tt.payloadLen {
				t.Errorf("payload length = %d, want %d", got, tt.payloadLen)
			}
		})
	}
}

func maskedTextFrame(payload []byte, mask [4]byte) []byte {
	frame := []byte{0x81}
	n := len(payload)
	switch {
	case n <= 125:
		frame = append(frame, 0x80|byte(n))
	case n <= 0xFFFF:
		frame = append(frame, 0x80|126, byte(n>>8), byte(n))
	}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	return frame
}

func TestReadFrame(t *testing.T) {
	payload := []byte(`{"connection":"connect"}`)
	frame := maskedTextFrame(payload, [4]byte{0x37, 0xFA, 0x21, 0x3D})

	op, got, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if op != OpText {
		t.Errorf("opcode = %#x, want OpText", op)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrameExtendedLength(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 300)
	frame := maskedTextFrame(payload, [4]byte{1, 2, 3, 4})

	_, got, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch, got %d bytes", len(got))
	}
}

func TestReadFrameUnmasked(t *testing.T) {
	// Server-style unmasked frame decodes too.
	frame := EncodeText([]byte("hello"))

	op, got, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if op != OpText || string(got) != "hello" {
		t.Errorf("got opcode %#x payload %q", op, got)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame := maskedTextFrame([]byte("hello"), [4]byte{9, 9, 9, 9})

	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame[:len(frame)-2])))
	if err == nil {
		t.Fatal("ReadFrame() on truncated frame: want error")
	}
}

func TestEncodePongCapsControlPayload(t *testing.T) {
	small := EncodePong([]byte("tick"))
	if small[0] != 0x80|OpPong || small[1] != 4 {
		t.Errorf("pong header = % X", small[:2])
	}

	big := EncodePong(bytes.Repeat([]byte{'x'}, 300))
	if big[1] != 125 {
		t.Errorf("oversized pong length byte = %d, want 125", big[1])
	}
	if len(big) != 2+125 {
		t.Errorf("oversized pong frame length = %d, want 127", len(big))
	}
}

func TestReadFrameRejectsOversizedControl(t *testing.T) {
	payload := bytes.Repeat([]byte{'p'}, 126)
	frame := maskedTextFrame(payload, [4]byte{1, 2, 3, 4})
	frame[0] = 0x80 | OpPing

	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	if !errors.Is(err, ErrControlTooLarge) {
		t.Fatalf("ReadFrame() error = %v, want ErrControlTooLarge", err)
	}
}

func TestEncodeTextReadFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"ticketType":"T","ticketId":"42"}`)

	op, got, err := ReadFrame(bufio.NewReader(bytes.NewReader(EncodeText(payload))))
	if err != nil {
		t.Fatalf("round trip error = %v", err)
	}
	if op != OpText || !bytes.Equal(got, payload) {
		t.Errorf("round trip = %#x %q", op, got)
	}
}
