package router

import (
	"sync"
	"testing"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/persistence"
	"github.com/orbitsq/queuebridge/pkg/persistence/sqlite"
	"github.com/orbitsq/queuebridge/pkg/server"
)

type fakeClient struct {
	mu   sync.Mutex
	id   string
	sent []map[string]any
}

func (c *fakeClient) ID() string        { return c.id }
func (c *fakeClient) Transport() string { return "tcp" }

func (c *fakeClient) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := msg.(map[string]any); ok {
		c.sent = append(c.sent, m)
	}
	return nil
}

func (c *fakeClient) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("client received nothing")
	}
	return c.sent[len(c.sent)-1]
}

type fakeSessions struct {
	mu         sync.Mutex
	unicast    map[string][]any
	broadcasts []any
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{unicast: make(map[string][]any)}
}

func (f *fakeSessions) SendToClient(id string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicast[id] = append(f.unicast[id], msg)
	return nil
}

func (f *fakeSessions) Broadcast(msg any) {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, msg)
	f.mu.Unlock()
}

func (f *fakeSessions) ActiveIDs() []string { return nil }

type keypadCall struct {
	method    string
	counterID string
	npw       string
	token     string
	serviceID string
	services  map[int]string
}

type fakeKeypads struct {
	mu    sync.Mutex
	calls []keypadCall
}

func (f *fakeKeypads) SendResponseToKeypad(counterID, npw, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keypadCall{method: "response", counterID: counterID, npw: npw, token: token})
	return nil
}

func (f *fakeKeypads) BroadcastNPWToService(serviceID, npw, exceptCounterID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keypadCall{method: "broadcast", serviceID: serviceID, npw: npw, counterID: exceptCounterID})
}

func (f *fakeKeypads) SetCounterService(counterID, serviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keypadCall{method: "set_service", counterID: counterID, serviceID: serviceID})
}

func (f *fakeKeypads) SendAllServices(addr string, services map[int]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keypadCall{method: "all_services", counterID: addr, services: services})
	return nil
}

func (f *fakeKeypads) SendMyInfo(counterID, serviceNo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keypadCall{method: "my_info", counterID: counterID, serviceID: serviceNo})
	return nil
}

func (f *fakeKeypads) byMethod(method string) []keypadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []keypadCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func testRouter(t *testing.T) (*Router, *sqlite.Store, *fakeSessions, *fakeKeypads) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := newFakeSessions()
	keypads := &fakeKeypads{}
	r := New(store, sessions, keypads, logger.New(logger.Config{Level: "error", Format: "text"}))
	return r, store, sessions, keypads
}

func seedQueue(t *testing.T, store *sqlite.Store, serviceID string, tokens ...string) {
	t.Helper()
	if err := store.SaveService(&persistence.Service{ID: serviceID, Name: "Service " + serviceID}); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	for _, token := range tokens {
		if err := store.AddTransaction(&persistence.Transaction{ServiceID: serviceID, Token: token}); err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}
}

func TestTicketIssue(t *testing.T) {
	r, store, _, keypads := testRouter(t)
	seedQueue(t, store, "1")

	client := &fakeClient{id: "T9"}
	r.OnMessageReceived(client, server.Message{"ticketType": "new", "ticketId": "T9", "serviceId": "1"})

	reply := client.last(t)
	if reply["token"] != "001" {
		t.Errorf("token = %v, want 001", reply["token"])
	}
	if reply["npw"] != "001" {
		t.Errorf("npw = %v, want 001", reply["npw"])
	}

	if n, _ := store.WaitingCount("1"); n != 1 {
		t.Errorf("waiting = %d, want 1", n)
	}
	if bc := keypads.byMethod("broadcast"); len(bc) != 1 || bc[0].serviceID != "1" || bc[0].npw != "001" {
		t.Errorf("keypad broadcasts = %+v", bc)
	}
}

func TestTicketIssueUnknownService(t *testing.T) {
	r, _, _, _ := testRouter(t)

	client := &fakeClient{id: "T1"}
	r.OnMessageReceived(client, server.Message{"ticketType": "new", "serviceId": "99"})

	if reply := client.last(t); reply["error"] == nil {
		t.Errorf("reply = %v, want error", reply)
	}
}

func TestHardKeypadNext(t *testing.T) {
	r, store, sessions, keypads := testRouter(t)
	seedQueue(t, store, "1", "001", "002")
	store.SaveCounter(&persistence.Counter{ID: "0008", ServiceID: "1"})

	r.OnHardKeypadNext("0008", "1", "253")

	resp := keypads.byMethod("response")
	if len(resp) != 1 || resp[0].counterID != "0008" || resp[0].token != "001" || resp[0].npw != "001" {
		t.Fatalf("keypad responses = %+v", resp)
	}

	bc := keypads.byMethod("broadcast")
	if len(bc) != 1 || bc[0].counterID != "0008" {
		t.Errorf("broadcast = %+v, want fan-out excluding 0008", bc)
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.broadcasts) != 1 {
		t.Errorf("session broadcasts = %d, want 1", len(sessions.broadcasts))
	}
}

func TestHardKeypadNextEmptyQueue(t *testing.T) {
	r, store, _, keypads := testRouter(t)
	seedQueue(t, store, "1")

	r.OnHardKeypadNext("0003", "1", "253")

	resp := keypads.byMethod("response")
	if len(resp) != 1 || resp[0].npw != "000" || resp[0].token != "000" {
		t.Errorf("empty-queue response = %+v", resp)
	}
}

func TestHardKeypadRepeat(t *testing.T) {
	r, store, _, keypads := testRouter(t)
	seedQueue(t, store, "1", "005")
	store.SaveCounter(&persistence.Counter{ID: "0002", ServiceID: "1"})

	r.OnHardKeypadRepeat("0002", "004")

	resp := keypads.byMethod("response")
	if len(resp) != 1 || resp[0].token != "004" || resp[0].npw != "001" {
		t.Errorf("repeat response = %+v", resp)
	}
}

func TestHardKeypadDirectCall(t *testing.T) {
	r, store, _, keypads := testRouter(t)
	seedQueue(t, store, "1", "001", "007")
	store.SaveCounter(&persistence.Counter{ID: "0004", ServiceID: "1"})

	r.OnHardKeypadDirectCall("0004", "007")

	resp := keypads.byMethod("response")
	if len(resp) != 1 || resp[0].token != "007" || resp[0].npw != "001" {
		t.Fatalf("direct call response = %+v", resp)
	}
	if n, _ := store.WaitingCount("1"); n != 1 {
		t.Errorf("waiting = %d, want 1", n)
	}
}

func TestSoftCounterTransaction(t *testing.T) {
	r, store, _, keypads := testRouter(t)
	seedQueue(t, store, "1", "001")
	store.SaveCounter(&persistence.Counter{ID: "C2", ServiceID: "1"})

	client := &fakeClient{id: "C2"}
	r.OnMessageReceived(client, server.Message{"counterType": "keypad", "counterId": "C2", "transaction": "next"})

	reply := client.last(t)
	if reply["token"] != "001" || reply["npw"] != "000" {
		t.Errorf("reply = %v", reply)
	}
	if set := keypads.byMethod("set_service"); len(set) != 1 || set[0].serviceID != "1" {
		t.Errorf("set_service calls = %+v", set)
	}
}

func TestDisplayForwarding(t *testing.T) {
	r, _, sessions, _ := testRouter(t)

	client := &fakeClient{id: "C1"}
	msg := server.Message{"displayId": "D1", "token": "012"}
	r.OnMessageReceived(client, msg)

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.unicast["D1"]) != 1 {
		t.Fatalf("display D1 received %d messages", len(sessions.unicast["D1"]))
	}
}

func TestGetServiceIDForCounter(t *testing.T) {
	r, store, _, _ := testRouter(t)
	seedQueue(t, store, "2")
	store.SaveCounter(&persistence.Counter{ID: "0005", ServiceID: "2"})

	if svc, ok := r.GetServiceIDForCounter("0005"); !ok || svc != "2" {
		t.Errorf("GetServiceIDForCounter = %q, %v", svc, ok)
	}
	if _, ok := r.GetServiceIDForCounter("none"); ok {
		t.Error("unknown counter resolved")
	}
}

func TestHardKeypadConnectedProvisions(t *testing.T) {
	r, store, sessions, keypads := testRouter(t)
	seedQueue(t, store, "1")
	store.SaveService(&persistence.Service{ID: "2", Name: "Accounts"})
	store.SaveCounter(&persistence.Counter{ID: "0008", ServiceID: "2"})

	r.OnHardKeypadConnected("0008")

	all := keypads.byMethod("all_services")
	if len(all) != 1 || all[0].services[2] != "Accounts" {
		t.Fatalf("all_services calls = %+v", all)
	}
	info := keypads.byMethod("my_info")
	if len(info) != 1 || info[0].counterID != "0008" || info[0].serviceID != "2" {
		t.Errorf("my_info calls = %+v", info)
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.broadcasts) != 1 {
		t.Errorf("session broadcasts = %d, want 1", len(sessions.broadcasts))
	}
}

func TestConnectAck(t *testing.T) {
	r, _, _, _ := testRouter(t)

	client := &fakeClient{id: "conn-1"}
	r.OnClientConnected(client, []string{"conn-1"})

	ack := client.last(t)
	if ack["clientId"] != "conn-1" {
		t.Errorf("ack = %v", ack)
	}
}
