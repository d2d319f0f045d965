// Package server implements the session listener: one TCP port accepting
// both websocket and legacy newline-delimited JSON clients, with each
// accepted socket handled by its own goroutine.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/registry"
)

// Discriminator keys recognized in client payloads. The values are part
// of the client contract and must stay verbatim.
const (
	keyConnection         = "connection"
	keyCounterType        = "counterType"
	keyCounterID          = "counterId"
	keyDisplayID          = "displayId"
	keyTransaction        = "transaction"
	keyTicketType         = "ticketType"
	keyTicketID           = "ticketId"
	keyDisplayConnection  = "displayConnection"
	keyMasterConnection   = "masterDisplayConnection"
	keyMasterReconnection = "masterReconnection"
	keyUserName           = "userName"
)

// Client is the router's view of one session.
type Client interface {
	// ID returns the session's current logical id.
	ID() string

	// Transport returns which framing the connection settled on.
	Transport() string

	// Send marshals and delivers one payload to the client.
	Send(msg any) error
}

// MessageListener receives session lifecycle and message events. The
// message router implements it.
type MessageListener interface {
	// OnClientConnected fires when a session registers or re-announces
	// itself; activeIDs is the current connected-client list.
	OnClientConnected(client Client, activeIDs []string)

	// OnMessageReceived delivers every decoded payload.
	OnMessageReceived(client Client, msg Message)

	// OnClientDisconnected fires after a session's cleanup.
	OnClientDisconnected(logicalID string)
}

// Config holds listener configuration.
type Config struct {
	// Port is the session listener port.
	Port int `yaml:"port" json:"port" validate:"gt=0,lte=65535"`

	// SweepInterval is how often dead sessions are scanned out.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns the stock listener configuration.
func DefaultConfig() Config {
	return Config{
		Port:          8085,
		SweepInterval: 15 * time.Minute,
	}
}

// Server accepts sessions and hands decoded messages to the listener.
type Server struct {
	cfg Config
	log *logger.Logger
	reg *registry.Registry

	mu         sync.Mutex
	listener   net.Listener
	router     MessageListener
	masterSeq  int
	displaySeq int
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a server using reg for session tracking.
func New(cfg Config, reg *registry.Registry, log *logger.Logger) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Server{
		cfg:  cfg,
		log:  log.With("component", "server"),
		reg:  reg,
		done: make(chan struct{}),
	}
}

// SetMessageListener attaches the router. Must be called before Start.
func (s *Server) SetMessageListener(l MessageListener) {
	s.mu.Lock()
	s.router = l
	s.mu.Unlock()
}

// Registry returns the server's session registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Start binds the port and launches the accept loop and sweep timer.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("Session server listening", "addr", ln.Addr().String())

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.sweepLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("Accept failed", "error", err)
			continue
		}
		s.admit(conn)
	}
}

// admit installs a new session: any prior session from the same source
// IP is evicted first, then the connection registers under a fresh
// ephemeral id and gets its own goroutine.
func (s *Server) admit(conn net.Conn) {
	h := newHandler(s, conn, registry.NewEphemeralID())

	s.reg.EvictByIP(h.RemoteIP())
	s.reg.Register(h.ID(), h)

	s.log.Debug("Client accepted", "id", h.ID(), "remote", h.RemoteIP())
	s.notifyConnected(h)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.run()
	}()
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			active := s.reg.ListActive()
			s.log.Debug("Session sweep", "active", len(active))
		}
	}
}

// SendToClient delivers msg to the session registered under id.
func (s *Server) SendToClient(id string, msg any) error {
	h, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("server: no client %q", id)
	}
	handler, ok := h.(*Handler)
	if !ok {
		return fmt.Errorf("server: client %q is not a session handler", id)
	}
	return handler.Send(msg)
}

// Broadcast delivers msg to every active session.
func (s *Server) Broadcast(msg any) {
	for _, h := range s.reg.ListActive() {
		if handler, ok := h.(*Handler); ok {
			if err := handler.Send(msg); err != nil {
				s.log.Debug("Broadcast send failed", "id", handler.ID(), "error", err)
			}
		}
	}
}

// ActiveIDs returns the connected-client list.
func (s *Server) ActiveIDs() []string {
	return s.reg.ActiveIDs()
}

// Stop closes the listener and every session.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	close(s.done)
	if ln != nil {
		ln.Close()
	}
	for _, h := range s.reg.ListActive() {
		h.Close()
	}
	s.wg.Wait()
}

// nextMasterID allocates the next master display id (M1, M2, ...).
func (s *Server) nextMasterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterSeq++
	return fmt.Sprintf("M%d", s.masterSeq)
}

// nextDisplayID allocates the next counter display id (D1, D2, ...).
func (s *Server) nextDisplayID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displaySeq++
	return fmt.Sprintf("D%d", s.displaySeq)
}

func newUserSessionID() string {
	return "user-" + uuid.NewString()
}

func (s *Server) notifyConnected(h *Handler) {
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.OnClientConnected(h, s.reg.ActiveIDs())
	}
}

func (s *Server) notifyMessage(h *Handler, msg Message) {
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.OnMessageReceived(h, msg)
	}
}

func (s *Server) notifyDisconnected(id string) {
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.OnClientDisconnected(id)
	}
}
