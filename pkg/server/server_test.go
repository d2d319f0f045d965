package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/registry"
)

type routerEvent struct {
	kind string // "connected", "message", "disconnected"
	id   string
	msg  Message
}

type fakeRouter struct {
	mu     sync.Mutex
	events []routerEvent
}

func (r *fakeRouter) OnClientConnected(client Client, activeIDs []string) {
	r.mu.Lock()
	r.events = append(r.events, routerEvent{kind: "connected", id: client.ID()})
	r.mu.Unlock()
}

func (r *fakeRouter) OnMessageReceived(client Client, msg Message) {
	r.mu.Lock()
	r.events = append(r.events, routerEvent{kind: "message", id: client.ID(), msg: msg})
	r.mu.Unlock()
}

func (r *fakeRouter) OnClientDisconnected(logicalID string) {
	r.mu.Lock()
	r.events = append(r.events, routerEvent{kind: "disconnected", id: logicalID})
	r.mu.Unlock()
}

func (r *fakeRouter) messages() []routerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []routerEvent
	for _, ev := range r.events {
		if ev.kind == "message" {
			out = append(out, ev)
		}
	}
	return out
}

func startTestServer(t *testing.T) (*Server, *fakeRouter, string) {
	t.Helper()

	log := logger.New(logger.Config{Level: "error", Format: "text"})
	reg := registry.New(log)
	srv := New(Config{Port: 0, SweepInterval: time.Minute}, reg, log)

	router := &fakeRouter{}
	srv.SetMessageListener(router)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	_, port, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("bad listener addr: %v", err)
	}
	return srv, router, "127.0.0.1:" + port
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocketCounterSession(t *testing.T) {
	srv, router, addr := startTestServer(t)
	ws := dialWS(t, addr)

	payload := `{"counterType":"keypad","counterId":"C7","serviceId":"1"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitCond(t, "promotion to C7", func() bool {
		_, ok := srv.Registry().Get("C7")
		return ok
	})

	msgs := router.messages()
	if len(msgs) != 1 || msgs[0].msg.Str("counterId") != "C7" {
		t.Fatalf("router messages = %+v", msgs)
	}
	if msgs[0].id != "C7" {
		t.Errorf("message arrived under id %q, want C7", msgs[0].id)
	}

	// Server push reaches the client over the same socket.
	if err := srv.SendToClient("C7", map[string]string{"token": "42"}); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil || got["token"] != "42" {
		t.Errorf("pushed payload = %s", data)
	}
}

func TestLegacyTCPSession(t *testing.T) {
	srv, router, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, `{"counterType":"keypad","counterId":"C3"}`+"\n")

	waitCond(t, "promotion to C3", func() bool {
		_, ok := srv.Registry().Get("C3")
		return ok
	})
	if len(router.messages()) != 1 {
		t.Fatalf("messages = %+v", router.messages())
	}

	// Push goes back as one JSON line.
	if err := srv.SendToClient("C3", map[string]string{"npw": "004"}); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !strings.Contains(line, `"npw":"004"`) {
		t.Errorf("pushed line = %q", line)
	}
}

func TestKeylessHTTPFallsBackToLegacy(t *testing.T) {
	srv, router, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// An HTTP request without Sec-WebSocket-Key is read as a legacy
	// client; lines after the headers dispatch normally.
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	fmt.Fprintf(conn, `{"counterType":"keypad","counterId":"C9"}`+"\n")

	waitCond(t, "promotion to C9", func() bool {
		_, ok := srv.Registry().Get("C9")
		return ok
	})
	if h, _ := srv.Registry().Get("C9"); h.(*Handler).Transport() != TransportTCP {
		t.Error("keyless HTTP session not marked as tcp transport")
	}
	if len(router.messages()) != 1 {
		t.Fatalf("messages = %+v", router.messages())
	}
}

func TestMasterDisplayGetsSequencedID(t *testing.T) {
	srv, _, addr := startTestServer(t)
	ws := dialWS(t, addr)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"masterDisplayConnection":"connect"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitCond(t, "M1 registration", func() bool {
		_, ok := srv.Registry().Get("M1")
		return ok
	})
}

func TestTicketDispenserBindsOnce(t *testing.T) {
	srv, router, addr := startTestServer(t)
	ws := dialWS(t, addr)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"ticketType":"new","ticketId":"T42"}`))
	waitCond(t, "T42 registration", func() bool {
		_, ok := srv.Registry().Get("T42")
		return ok
	})

	// A later ticket message must not re-bind the session.
	ws.WriteMessage(websocket.TextMessage, []byte(`{"ticketType":"new","ticketId":"T99"}`))
	waitCond(t, "second message", func() bool { return len(router.messages()) == 2 })

	if _, ok := srv.Registry().Get("T99"); ok {
		t.Error("dispenser re-bound to a later ticket id")
	}
	if _, ok := srv.Registry().Get("T42"); !ok {
		t.Error("original ticket binding lost")
	}
}

func TestMalformedJSONClosesConnection(t *testing.T) {
	_, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "this is not json\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection still open after malformed JSON")
	}
}

func TestSameIPEviction(t *testing.T) {
	srv, _, addr := startTestServer(t)

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	fmt.Fprintf(first, `{"connection":"connect"}`+"\n")

	waitCond(t, "first session", func() bool { return srv.Registry().Len() == 1 })

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	// The first client observes its socket close; no error surfaces to
	// either party.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := first.Read(buf); err == nil {
		t.Error("stale session from same IP was not evicted")
	}
	waitCond(t, "single session", func() bool { return srv.Registry().Len() == 1 })
}

func TestDisconnectNotifiesRouter(t *testing.T) {
	srv, router, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	fmt.Fprintf(conn, `{"counterType":"keypad","counterId":"C5"}`+"\n")
	waitCond(t, "registration", func() bool {
		_, ok := srv.Registry().Get("C5")
		return ok
	})

	conn.Close()

	waitCond(t, "disconnect callback", func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		for _, ev := range router.events {
			if ev.kind == "disconnected" && ev.id == "C5" {
				return true
			}
		}
		return false
	})
	if _, ok := srv.Registry().Get("C5"); ok {
		t.Error("session survived its socket closing")
	}
}

func TestAcceptKeyVector(t *testing.T) {
	// Raw handshake against the live listener, checking the accept key
	// computed for the RFC sample nonce.
	_, _, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n", addr)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	var accept string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("response read: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if after, found := strings.CutPrefix(line, "Sec-WebSocket-Accept: "); found {
			accept = after
		}
	}
	if accept != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("accept key = %q", accept)
	}
}
