package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/orbitsq/queuebridge/pkg/metrics"
	"github.com/orbitsq/queuebridge/pkg/protocol/wscodec"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// Message is one decoded client payload.
type Message map[string]any

// Str returns the string value under key, or "".
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Has reports whether key is present.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Handler owns one accepted socket: the handshake, the read loop, and all
// writes back to that client. It is the registry's view of the session.
type Handler struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader

	transport string
	remoteIP  string

	// id is the session's logical id; starts ephemeral, promoted once
	// the client announces its role.
	idMu sync.Mutex
	id   string

	// ticketBound pins a dispenser to its first announced ticket id.
	ticketBound bool

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

func newHandler(srv *Server, conn net.Conn, id string) *Handler {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return &Handler{
		srv:      srv,
		conn:     conn,
		br:       bufio.NewReader(conn),
		remoteIP: ip,
		id:       id,
	}
}

// ID returns the current logical id.
func (h *Handler) ID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return h.id
}

func (h *Handler) setID(id string) {
	h.idMu.Lock()
	h.id = id
	h.idMu.Unlock()
}

// RemoteIP returns the client's source address without port.
func (h *Handler) RemoteIP() string { return h.remoteIP }

// Transport returns which framing the connection settled on.
func (h *Handler) Transport() string { return h.transport }

// Connected reports whether the socket is still usable.
func (h *Handler) Connected() bool { return !h.closed.Load() }

// Close tears the connection down. Safe to call repeatedly and from any
// goroutine; the read loop observes the closed socket and runs cleanup.
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		err = h.conn.Close()
	})
	return err
}

// Send marshals msg and writes it using the connection's framing. FIFO
// per client: the write lock makes each call flush fully before the next.
func (h *Handler) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal: %w", err)
	}
	return h.SendRaw(payload)
}

// SendRaw writes a pre-encoded JSON payload.
func (h *Handler) SendRaw(payload []byte) error {
	if h.closed.Load() {
		return net.ErrClosed
	}

	var wire []byte
	if h.transport == TransportWebSocket {
		wire = wscodec.EncodeText(payload)
	} else {
		wire = append(append([]byte(nil), payload...), '\n')
	}

	h.writeMu.Lock()
	_, err := h.conn.Write(wire)
	h.writeMu.Unlock()

	if err != nil {
		metrics.IncError("server", "write")
		return err
	}
	metrics.IncMessage(h.transport, metrics.DirectionOutbound)
	return nil
}

// run is the connection's goroutine: handshake, then read until the
// socket dies. Cleanup is unconditional.
func (h *Handler) run() {
	defer func() {
		h.Close()
		id := h.ID()
		h.srv.reg.Remove(id, h)
		h.srv.notifyDisconnected(id)
		h.srv.log.Debug("Client disconnected", "id", id, "remote", h.remoteIP)
	}()

	firstLine, err := h.br.ReadString('\n')
	if err != nil {
		return
	}

	if strings.Contains(firstLine, "HTTP/") {
		key, err := wscodec.ReadHandshake(h.br)
		if errors.Is(err, wscodec.ErrNotHandshake) {
			// No upgrade key; whatever follows the headers is read as
			// legacy line traffic.
			h.transport = TransportTCP
			h.srv.log.Debug("Keyless HTTP request treated as legacy client", "remote", h.remoteIP)
			h.readLines()
			return
		}
		if err != nil {
			return
		}
		if _, err := h.conn.Write(wscodec.HandshakeResponse(key)); err != nil {
			return
		}
		h.transport = TransportWebSocket
		h.srv.log.Debug("WebSocket handshake complete", "id", h.ID(), "remote", h.remoteIP)
		h.readWebSocket()
		return
	}

	h.transport = TransportTCP
	// The sniffed line is already the first message.
	if err := h.dispatch([]byte(strings.TrimSpace(firstLine))); err != nil {
		return
	}
	h.readLines()
}

func (h *Handler) readWebSocket() {
	for {
		opcode, payload, err := wscodec.ReadFrame(h.br)
		if err != nil {
			return
		}
		switch opcode {
		case wscodec.OpClose:
			h.writeMu.Lock()
			h.conn.Write(wscodec.EncodeClose())
			h.writeMu.Unlock()
			return
		case wscodec.OpPing:
			h.writeMu.Lock()
			h.conn.Write(wscodec.EncodePong(payload))
			h.writeMu.Unlock()
		case wscodec.OpText:
			if err := h.dispatch(payload); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLines() {
	for {
		line, err := h.br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := h.dispatch([]byte(line)); err != nil {
			return
		}
	}
}

// dispatch decodes one payload, applies the role-announcement rules to
// the session's logical id, and forwards the message to the router.
// A malformed payload is fatal for this connection only.
func (h *Handler) dispatch(payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.srv.log.Warn("Malformed JSON, closing client", "id", h.ID(), "error", err)
		metrics.IncError("server", "bad_json")
		return err
	}
	metrics.IncMessage(h.transport, metrics.DirectionInbound)

	switch {
	case msg.Has(keyCounterType):
		h.classifyCounter(msg)
	case msg.Has(keyTicketType):
		h.classifyTicket(msg)
	case msg.Has(keyMasterConnection), msg.Has(keyMasterReconnection):
		h.promote(h.srv.nextMasterID())
	case msg.Has(keyDisplayConnection):
		h.promote(h.srv.nextDisplayID())
	case msg.Has(keyUserName):
		// Keypad user login gets a fresh session identity.
		h.promote(newUserSessionID())
	case msg.Has(keyConnection):
		h.srv.notifyConnected(h)
	}

	h.srv.notifyMessage(h, msg)
	return nil
}

// classifyCounter handles soft keypad messages: a counter display binds
// to its displayId, a transaction update passes through untouched, and a
// plain counter announcement binds the session to the counter id.
func (h *Handler) classifyCounter(msg Message) {
	if displayID := msg.Str(keyDisplayID); displayID != "" {
		h.promote(displayID)
		return
	}
	if msg.Has(keyTransaction) {
		return
	}
	if counterID := msg.Str(keyCounterID); counterID != "" {
		h.promote(counterID)
	}
}

// classifyTicket binds a ticket dispenser to its first announced ticket
// id; later ticket messages pass through under the bound id.
func (h *Handler) classifyTicket(msg Message) {
	if h.ticketBound {
		return
	}
	if ticketID := msg.Str(keyTicketID); ticketID != "" {
		h.ticketBound = true
		h.promote(ticketID)
	}
}

func (h *Handler) promote(newID string) {
	old := h.ID()
	if newID == "" || newID == old {
		h.srv.notifyConnected(h)
		return
	}
	h.srv.reg.Promote(old, newID)
	h.setID(newID)
	h.srv.log.Info("Client announced role", "from", old, "to", newID, "remote", h.remoteIP)
	h.srv.notifyConnected(h)
}
