// Package keypad implements the binary frame protocol spoken by hard
// keypads on the multi-drop serial bus. All functions are pure; transport
// and addressing state live in pkg/serial and pkg/bridge.
//
// Incoming frame layout (values ASCII unless noted):
//
//	[0]     0x40 '@'   start marker
//	[1..4]  address    4 ASCII digits, e.g. "0003"
//	[5]     0x00       separator (older keypads omit it; offsets shift back)
//	[6]     command    ':' Connect, 'U' Next, ' ' Repeat, '!' DirectCall, '*' Display
//	[7]     status
//	[8]     dataLen
//	[9..]   data       command-specific
//	[end]   0x0D CR    terminator, optional trailing 0x0A
package keypad

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orbitsq/queuebridge/pkg/parser"
)

// Frame markers.
const (
	FrameStart byte = 0x40 // '@'
	FrameEnd   byte = 0x0D // CR
	Separator  byte = 0x00
)

// Command bytes.
const (
	CmdConnect    byte = 58 // ':' connect me
	CmdNext       byte = 85 // 'U' next token
	CmdRepeat     byte = 32 // ' ' repeat token
	CmdDirectCall byte = 33 // '!' call specific token
	CmdDisplay    byte = 42 // '*' display data on keypad
	CmdCounterNPW byte = 44 // ',' counter NPW update
	CmdMyNPW      byte = 57 // '9' my NPW query
)

// Frame offsets.
const (
	offAddr    = 1
	offSep     = 5
	offCmd     = 6
	addrLen    = 4
	minFrame   = 8
	maxFrame   = 256
	defStatus  = 0
	defService = "1"
	defPrio    = "253"
)

// Command is a parsed inbound frame. The concrete types form a closed set;
// callers switch on the dynamic type.
type Command interface {
	isCommand()
}

// Connect announces a keypad joining the bus.
type Connect struct {
	Addr       string
	DeviceType int
	Status     int
}

// Next requests the next queued token for the keypad's service.
type Next struct {
	Addr      string
	Status    int
	ServiceNo string
	Priority  string
}

// Repeat re-announces a token already being served.
type Repeat struct {
	Addr   string
	Status int
	Token  string
}

// DirectCall calls a specific token out of order.
type DirectCall struct {
	Addr   string
	Status int
	Token  string
}

// Display is an echo of a display frame observed on the shared bus.
type Display struct {
	Addr    string
	NPW     string
	Counter string
	Token   string
}

// Unknown is a well-formed frame with an unrecognized command byte.
type Unknown struct {
	Addr    string
	CmdByte byte
	RawHex  string
}

// RawData is anything that is not a binary frame: text responses, noise,
// or a buffer too short to carry a header.
type RawData struct {
	Hex   string
	ASCII string
}

func (Connect) isCommand()    {}
func (Next) isCommand()       {}
func (Repeat) isCommand()     {}
func (DirectCall) isCommand() {}
func (Display) isCommand()    {}
func (Unknown) isCommand()    {}
func (RawData) isCommand()    {}

// NPWEntry is one (npw, counter) pair in a CounterNPW frame.
type NPWEntry struct {
	NPW     string
	Counter string
}

// pad left-pads s with zeros to width and keeps the first width characters.
func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s[:width]
}

// ToCounterID converts a bus address to a counter id, preserving leading
// zeros. "0008" -> "0008".
func ToCounterID(address string) string {
	return pad(address, addrLen)
}

// ToAddress converts a counter id to its 4-digit bus address form.
// "8" -> "0008".
func ToAddress(counterID string) string {
	return pad(counterID, addrLen)
}

// ToDisplayCounter applies the display transform: the last two digits of a
// 4-digit id followed by "00". "0008" -> "0800", "0012" -> "1200". Physical
// keypads decode addresses and counter fields in this form only.
func ToDisplayCounter(id string) string {
	padded := pad(id, addrLen)
	return padded[addrLen-2:] + "00"
}

// buildFrame assembles a complete command frame around the given data field.
func buildFrame(displayAddr string, cmd byte, status int, data string) []byte {
	buf := make([]byte, 0, len(data)+10)
	buf = append(buf, FrameStart)
	buf = append(buf, displayAddr...)
	buf = append(buf, Separator)
	buf = append(buf, cmd)
	buf = append(buf, byte(status))
	buf = append(buf, byte(len(data)))
	buf = append(buf, data...)
	buf = append(buf, FrameEnd)
	return buf
}

// BuildDisplayFrame builds a Display frame. Both the target address and the
// counter field carry the display transform; NPW and token are zero-padded
// to 3 digits.
func BuildDisplayFrame(address, npw, counter, token string) []byte {
	data := pad(npw, 3) + ToDisplayCounter(counter) + pad(token, 3)
	return buildFrame(ToDisplayCounter(address), CmdDisplay, defStatus, data)
}

// BuildMyNPWFrame builds a single-counter NPW update frame. The token field
// is the literal filler "000".
func BuildMyNPWFrame(address, npw, counter string) []byte {
	data := pad(npw, 3) + ToDisplayCounter(counter) + "000"
	return buildFrame(ToDisplayCounter(address), CmdCounterNPW, defStatus, data)
}

// BuildCounterNPWFrame builds a multi-entry NPW frame, 10 data bytes per
// entry.
func BuildCounterNPWFrame(address string, entries []NPWEntry) []byte {
	var data strings.Builder
	for _, e := range entries {
		data.WriteString(pad(e.NPW, 3))
		data.WriteString(ToDisplayCounter(e.Counter))
		data.WriteString("000")
	}
	return buildFrame(ToDisplayCounter(address), CmdCounterNPW, defStatus, data.String())
}

// BuildAllServices builds the plain-text service list response. Entries are
// emitted in ascending id order so the output is stable.
func BuildAllServices(services map[int]string) []byte {
	ids := make([]int, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var sb strings.Builder
	sb.WriteString("AllServices:")
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d %s:", id, services[id])
	}
	sb.WriteString("\r")
	return []byte(sb.String())
}

// BuildMyInfo builds the plain-text counter info response.
func BuildMyInfo(address, counter, serviceNo string) []byte {
	return []byte(fmt.Sprintf("MyInfo:\"@%s;%s%s\"\r", address, pad(counter, 4), pad(serviceNo, 2)))
}

// ParseFrame classifies one de-framed buffer. Buffers that are too short,
// lack the start marker, or carry a text response come back as RawData;
// unrecognized command bytes come back as Unknown. ParseFrame never fails:
// a bad frame must not take the bus down.
func ParseFrame(raw []byte) Command {
	if len(raw) == 0 {
		return RawData{}
	}

	hex := HexString(raw)
	ascii := safeASCII(raw)

	// Text responses from keypads are not command frames.
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "AllServices:") || strings.HasPrefix(text, "MyInfo:") || strings.HasPrefix(text, "MWT:") {
		return RawData{Hex: hex, ASCII: ascii}
	}

	if len(raw) < minFrame || raw[0] != FrameStart {
		return RawData{Hex: hex, ASCII: ascii}
	}

	addr := string(raw[offAddr : offAddr+addrLen])

	// Older keypads omit the separator; everything shifts back one byte.
	cmdOffset := offSep
	if raw[offSep] == Separator {
		cmdOffset = offCmd
	}

	cmdByte := raw[cmdOffset]
	status := 0
	if len(raw) > cmdOffset+1 {
		status = int(raw[cmdOffset+1])
	}
	dataLen := 0
	if len(raw) > cmdOffset+2 {
		dataLen = int(raw[cmdOffset+2])
	}
	dataStart := cmdOffset + 3
	dataEnd := dataStart + dataLen
	if dataEnd > len(raw) {
		dataEnd = len(raw)
	}
	var dataStr string
	if dataStart < len(raw) {
		dataStr = string(raw[dataStart:dataEnd])
	}

	switch cmdByte {
	case CmdConnect:
		// Device type travels in the byte preceding the command byte.
		return Connect{Addr: addr, DeviceType: int(raw[cmdOffset-1]), Status: status}

	case CmdNext:
		// data = addr(4) + nulls + serviceNo + priority + "000"
		rest := dataStr
		if len(rest) > addrLen {
			rest = rest[addrLen:]
		} else {
			rest = ""
		}
		rest = strings.ReplaceAll(rest, "\x00", "")
		serviceNo := defService
		if len(rest) >= 1 {
			serviceNo = rest[:1]
		}
		priority := defPrio
		if len(rest) >= 4 {
			priority = rest[1:4]
		}
		return Next{Addr: addr, Status: status, ServiceNo: serviceNo, Priority: priority}

	case CmdRepeat:
		return Repeat{Addr: addr, Status: status, Token: tokenField(dataStr)}

	case CmdDirectCall:
		return DirectCall{Addr: addr, Status: status, Token: tokenField(dataStr)}

	case CmdDisplay:
		// data = NPW(3) + Counter(4) + Token(3)
		return Display{
			Addr:    addr,
			NPW:     sliceField(dataStr, 0, 3),
			Counter: sliceField(dataStr, 3, 7),
			Token:   sliceField(dataStr, 7, 10),
		}

	default:
		return Unknown{Addr: addr, CmdByte: cmdByte, RawHex: hex}
	}
}

// tokenField extracts the token digits after the embedded address,
// stripping the literal "000" filler suffix and surrounding whitespace.
func tokenField(data string) string {
	if len(data) <= addrLen {
		return ""
	}
	token := data[addrLen:]
	token = strings.TrimSuffix(token, "000")
	return strings.TrimSpace(token)
}

func sliceField(s string, from, to int) string {
	if from >= len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

var frameParser = parser.NewDelimiterParser(parser.DelimiterConfig{
	StartDelimiter:    []byte{FrameStart},
	EndDelimiter:      []byte{FrameEnd},
	IncludeDelimiters: true,
	SkipTrailing:      []byte{0x0A},
	MaxPacketSize:     maxFrame,
})

// ExtractFrame returns the first complete frame in buffer and the bytes
// after it. When no terminator has arrived yet the bytes from the start
// marker onward are returned as remaining so the fragment survives the next
// read; bytes before the start marker are discarded.
func ExtractFrame(buffer []byte) (frame []byte, remaining []byte) {
	packet, rest, err := frameParser.Parse(buffer)
	if err != nil {
		return nil, rest
	}
	return packet, rest
}

// NewFrameBuffer returns a parse buffer configured for the keypad frame
// format, one per serial device.
func NewFrameBuffer() *parser.Buffer {
	return parser.NewBuffer(4096, parser.NewDelimiterParser(parser.DelimiterConfig{
		StartDelimiter:    []byte{FrameStart},
		EndDelimiter:      []byte{FrameEnd},
		IncludeDelimiters: true,
		SkipTrailing:      []byte{0x0A},
		MaxPacketSize:     maxFrame,
	}))
}

// Address returns the 4-digit address embedded in a frame, or "" if the
// buffer is not an addressed frame. The serial manager uses it to learn
// which physical device a keypad answers on.
func Address(frame []byte) string {
	if len(frame) < offAddr+addrLen || frame[0] != FrameStart {
		return ""
	}
	return string(frame[offAddr : offAddr+addrLen])
}

// HexString renders a buffer as space-separated hex bytes for logging.
func HexString(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}

func safeASCII(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 32 && c <= 126 {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// CommandName returns a short name for a parsed command, used in logs and
// metrics labels.
func CommandName(c Command) string {
	switch c.(type) {
	case Connect:
		return "connect"
	case Next:
		return "next"
	case Repeat:
		return "repeat"
	case DirectCall:
		return "direct_call"
	case Display:
		return "display"
	case Unknown:
		return "unknown"
	default:
		return "raw"
	}
}
