// Package router implements the default message router: it answers
// session clients (ticket dispensers, soft keypads, displays), drives the
// queue store, and is the queue-operations collaborator for the hard
// keypad bridge.
package router

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/metrics"
	"github.com/orbitsq/queuebridge/pkg/persistence"
	"github.com/orbitsq/queuebridge/pkg/server"
)

const defaultServiceID = "1"

// SessionSender is the slice of the session server the router pushes
// through.
type SessionSender interface {
	SendToClient(id string, msg any) error
	Broadcast(msg any)
	ActiveIDs() []string
}

// KeypadBridge is the slice of the hard keypad bridge the router drives.
type KeypadBridge interface {
	SendResponseToKeypad(counterID, npw, token string) error
	BroadcastNPWToService(serviceID, npw, exceptCounterID string)
	SetCounterService(counterID, serviceID string)
	SendAllServices(addr string, services map[int]string) error
	SendMyInfo(counterID, serviceNo string) error
}

// Router routes between sessions, the queue store, and the keypad bus.
type Router struct {
	store    persistence.Store
	sessions SessionSender
	keypads  KeypadBridge
	log      *logger.Logger
}

// New creates a router over the given collaborators.
func New(store persistence.Store, sessions SessionSender, keypads KeypadBridge, log *logger.Logger) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		keypads:  keypads,
		log:      log.With("component", "router"),
	}
}

// OnClientConnected implements server.MessageListener.
func (r *Router) OnClientConnected(client server.Client, activeIDs []string) {
	msg := map[string]any{
		"connection":       "connected",
		"clientId":         client.ID(),
		"connectedClients": activeIDs,
	}
	if err := client.Send(msg); err != nil {
		r.log.Debug("Connect ack failed", "id", client.ID(), "error", err)
	}
}

// OnMessageReceived implements server.MessageListener.
func (r *Router) OnMessageReceived(client server.Client, msg server.Message) {
	switch {
	case msg.Has("ticketType"):
		r.handleTicket(client, msg)
	case msg.Has("counterType"):
		r.handleCounter(client, msg)
	case msg.Has("userName"):
		r.handleLogin(client, msg)
	case msg.Str("displayId") != "":
		// Counter-display routing: pass the payload through to the
		// addressed display session.
		if err := r.sessions.SendToClient(msg.Str("displayId"), msg); err != nil {
			r.log.Debug("Display forward failed", "display", msg.Str("displayId"), "error", err)
		}
	case msg.Has("connection"), msg.Has("displayConnection"),
		msg.Has("masterDisplayConnection"), msg.Has("masterReconnection"):
		// Pure announcements; the connect ack already went out.
	default:
		// Generic keypad-data path.
		r.log.Debug("Unclassified message", "id", client.ID())
	}
}

// OnClientDisconnected implements server.MessageListener.
func (r *Router) OnClientDisconnected(logicalID string) {
	r.log.Debug("Session ended", "id", logicalID)
}

// handleTicket issues the next token of the requested service to a
// dispenser and fans the new waiting count out to keypads and displays.
func (r *Router) handleTicket(client server.Client, msg server.Message) {
	serviceID := msg.Str("serviceId")
	if serviceID == "" {
		serviceID = defaultServiceID
	}

	n, err := r.store.NextToken(serviceID)
	if err != nil {
		r.log.Error("Token issue failed", "service", serviceID, "error", err)
		metrics.IncError("router", "token_issue")
		client.Send(map[string]any{"ticketType": msg.Str("ticketType"), "error": "service unavailable"})
		return
	}
	token := pad3(n)

	if err := r.store.AddTransaction(&persistence.Transaction{ServiceID: serviceID, Token: token}); err != nil {
		r.log.Error("Transaction insert failed", "service", serviceID, "error", err)
		metrics.IncError("router", "transaction")
		return
	}

	npw := r.waitingCount(serviceID)
	client.Send(map[string]any{
		"ticketType": msg.Str("ticketType"),
		"ticketId":   msg.Str("ticketId"),
		"serviceId":  serviceID,
		"token":      token,
		"npw":        npw,
	})

	// Hard keypads of the service see the queue grow right away.
	r.keypads.BroadcastNPWToService(serviceID, npw, "")
	r.sessions.Broadcast(map[string]any{"serviceId": serviceID, "npw": npw})
}

// handleCounter serves soft keypad messages: transaction requests advance
// the queue, plain announcements need no routing.
func (r *Router) handleCounter(client server.Client, msg server.Message) {
	if !msg.Has("transaction") {
		return
	}
	counterID := msg.Str("counterId")
	if counterID == "" {
		counterID = client.ID()
	}

	serviceID, token, npw, err := r.callNext(counterID, "")
	if err != nil {
		client.Send(map[string]any{"counterType": msg.Str("counterType"), "counterId": counterID, "error": "queue empty"})
		return
	}

	client.Send(map[string]any{
		"counterType": msg.Str("counterType"),
		"counterId":   counterID,
		"serviceId":   serviceID,
		"token":       token,
		"npw":         npw,
	})
	r.publishCall(serviceID, counterID, token, npw)
}

func (r *Router) handleLogin(client server.Client, msg server.Message) {
	client.Send(map[string]any{
		"userName": msg.Str("userName"),
		"clientId": client.ID(),
		"status":   "ok",
	})
}

// GetServiceIDForCounter implements bridge.QueueOperations.
func (r *Router) GetServiceIDForCounter(counterID string) (string, bool) {
	serviceID, err := r.store.ServiceIDForCounter(counterID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			r.log.Warn("Counter lookup failed", "counter", counterID, "error", err)
		}
		return "", false
	}
	return serviceID, true
}

// OnHardKeypadConnected implements bridge.QueueOperations. Freshly
// connected keypads get the service list and their own configuration so
// their menus match the store.
func (r *Router) OnHardKeypadConnected(counterID string) {
	r.log.Info("Hard keypad online", "counter", counterID)
	r.provisionKeypad(counterID)
	r.sessions.Broadcast(map[string]any{"counterId": counterID, "hardKeypad": "connected"})
}

// provisionKeypad pushes the configured services and the keypad's own
// service assignment down the bus.
func (r *Router) provisionKeypad(counterID string) {
	services, err := r.store.Services()
	if err != nil {
		r.log.Warn("Service list read failed", "error", err)
		return
	}
	if len(services) > 0 {
		byNo := make(map[int]string, len(services))
		for _, svc := range services {
			if no, err := strconv.Atoi(svc.ID); err == nil {
				byNo[no] = svc.Name
			}
		}
		if err := r.keypads.SendAllServices(counterID, byNo); err != nil {
			r.log.Warn("Service list send failed", "counter", counterID, "error", err)
		}
	}
	if serviceID, ok := r.GetServiceIDForCounter(counterID); ok {
		if err := r.keypads.SendMyInfo(counterID, serviceID); err != nil {
			r.log.Warn("Keypad info send failed", "counter", counterID, "error", err)
		}
	}
}

// OnHardKeypadNext implements bridge.QueueOperations. The keypad gets its
// called token and waiting count back on the bus; every other counter of
// the service gets the updated count.
func (r *Router) OnHardKeypadNext(counterID, serviceNo, priority string) {
	serviceID, token, npw, err := r.callNext(counterID, serviceNo)
	if err != nil {
		// Empty queue still answers the keypad, with an idle token.
		if sendErr := r.keypads.SendResponseToKeypad(counterID, "000", "000"); sendErr != nil {
			r.log.Warn("Keypad response failed", "counter", counterID, "error", sendErr)
		}
		return
	}

	if err := r.keypads.SendResponseToKeypad(counterID, npw, token); err != nil {
		r.log.Warn("Keypad response failed", "counter", counterID, "error", err)
		metrics.IncError("router", "keypad_response")
	}
	r.publishCall(serviceID, counterID, token, npw)
}

// OnHardKeypadRepeat implements bridge.QueueOperations.
func (r *Router) OnHardKeypadRepeat(counterID, token string) {
	serviceID := r.serviceFor(counterID, "")
	npw := r.waitingCount(serviceID)

	if err := r.keypads.SendResponseToKeypad(counterID, npw, token); err != nil {
		r.log.Warn("Keypad response failed", "counter", counterID, "error", err)
	}
	r.publishCall(serviceID, counterID, token, npw)
}

// OnHardKeypadDirectCall implements bridge.QueueOperations.
func (r *Router) OnHardKeypadDirectCall(counterID, token string) {
	serviceID := r.serviceFor(counterID, "")

	if _, err := r.store.ClaimToken(serviceID, token, counterID); err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			r.log.Warn("Direct call claim failed", "counter", counterID, "token", token, "error", err)
		}
		// A token outside the queue is still announced; the keypad
		// operator called it deliberately.
	}

	npw := r.waitingCount(serviceID)
	if err := r.keypads.SendResponseToKeypad(counterID, npw, token); err != nil {
		r.log.Warn("Keypad response failed", "counter", counterID, "error", err)
	}
	r.keypads.BroadcastNPWToService(serviceID, npw, counterID)
	r.publishCall(serviceID, counterID, token, npw)
}

// OnHardKeypadDisconnected implements bridge.QueueOperations.
func (r *Router) OnHardKeypadDisconnected(counterID string) {
	r.log.Info("Hard keypad offline", "counter", counterID)
	r.sessions.Broadcast(map[string]any{"counterId": counterID, "hardKeypad": "disconnected"})
}

// callNext claims the oldest waiting ticket for counterID and returns the
// service, called token and new waiting count.
func (r *Router) callNext(counterID, serviceNo string) (serviceID, token, npw string, err error) {
	serviceID = r.serviceFor(counterID, serviceNo)

	tx, err := r.store.NextWaiting(serviceID, counterID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			r.log.Error("Queue read failed", "service", serviceID, "error", err)
			metrics.IncError("router", "queue_read")
		}
		return serviceID, "", "", err
	}

	r.keypads.SetCounterService(counterID, serviceID)
	return serviceID, tx.Token, r.waitingCount(serviceID), nil
}

// publishCall pushes a completed call to the other keypads of the service
// and to every display session.
func (r *Router) publishCall(serviceID, counterID, token, npw string) {
	r.keypads.BroadcastNPWToService(serviceID, npw, counterID)
	r.sessions.Broadcast(map[string]any{
		"serviceId": serviceID,
		"counterId": counterID,
		"token":     token,
		"npw":       npw,
	})
}

// serviceFor resolves a counter's service, falling back to the keypad's
// announced service number, then the default service.
func (r *Router) serviceFor(counterID, serviceNo string) string {
	if serviceID, ok := r.GetServiceIDForCounter(counterID); ok {
		return serviceID
	}
	if serviceNo != "" {
		return serviceNo
	}
	return defaultServiceID
}

func (r *Router) waitingCount(serviceID string) string {
	n, err := r.store.WaitingCount(serviceID)
	if err != nil {
		r.log.Warn("Waiting count failed", "service", serviceID, "error", err)
		return "000"
	}
	return pad3(n)
}

func pad3(n int) string {
	return fmt.Sprintf("%03d", n)
}
