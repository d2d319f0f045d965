package serial

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/metrics"
	"github.com/orbitsq/queuebridge/pkg/parser"
	"github.com/orbitsq/queuebridge/pkg/protocol/keypad"
)

// EventType tags bus events.
type EventType string

// Bus event types.
const (
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventFrame              EventType = "frame"
	EventError              EventType = "error"
)

// Event is delivered to the registered handler for every bus occurrence.
type Event struct {
	Type      EventType
	DeviceID  string
	Address   string // learned keypad address, when known
	Frame     []byte
	Err       error
	Timestamp time.Time
}

// EventHandler receives bus events. Calls arrive from reader goroutines;
// implementations must not block for long.
type EventHandler interface {
	OnSerialEvent(Event)
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(Event)

func (f EventHandlerFunc) OnSerialEvent(ev Event) { f(ev) }

type writeRequest struct {
	deviceID string // empty targets every device
	frame    []byte
	done     chan error // non-nil for synchronous writes
}

// device is one open physical adapter. The frame buffer has its own lock
// so a slow parse never blocks the device map.
type device struct {
	id   string
	port Port

	bufMu sync.Mutex
	buf   *parser.Buffer

	addr atomic.Value // string, learned keypad address

	closeOnce sync.Once
}

func (d *device) close() {
	d.closeOnce.Do(func() { d.port.Close() })
}

func (d *device) address() string {
	if v := d.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Manager multiplexes any number of attached serial adapters: one reader
// goroutine per device, one shared paced writer for the whole bus.
type Manager struct {
	cfg Config
	log *logger.Logger

	open OpenFunc
	list ListFunc

	mu      sync.Mutex
	devices map[string]*device
	handler EventHandler
	closed  bool

	writeQ chan writeRequest
	done   chan struct{}
	wg     sync.WaitGroup

	reconnectPending atomic.Bool
}

// NewManager creates a manager for the given bus configuration.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.WritePacing <= 0 {
		cfg.WritePacing = DefaultConfig().WritePacing
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig().ReconnectDelay
	}

	return &Manager{
		cfg:     cfg,
		log:     log.With("component", "serial"),
		open:    openSystemPort,
		list:    listSystemPorts,
		devices: make(map[string]*device),
		writeQ:  make(chan writeRequest, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// SetEventHandler registers the bus event sink.
func (m *Manager) SetEventHandler(h EventHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start launches the writer and opens every configured or discovered
// device. Finding no device is not an error: the reconnect timer keeps
// trying in the background.
func (m *Manager) Start() error {
	m.wg.Add(1)
	go m.writerLoop()

	if n := m.ConnectAll(); n == 0 {
		m.log.Warn("No serial devices available", "auto_reconnect", m.cfg.AutoReconnect)
		m.scheduleReconnect()
	}
	return nil
}

// ConnectAll opens every configured port, or every discovered port when
// none are pinned. Returns the number of devices now connected.
func (m *Manager) ConnectAll() int {
	names := m.cfg.Ports
	if len(names) == 0 {
		discovered, err := m.list()
		if err != nil {
			m.log.Error("Port discovery failed", "error", err)
			metrics.IncError("serial", "discovery")
			return m.DeviceCount()
		}
		names = discovered
	}

	for _, name := range names {
		if err := m.Connect(name); err != nil {
			m.log.Warn("Could not open serial device", "port", name, "error", err)
		}
	}
	return m.DeviceCount()
}

// Connect opens one named port and starts its reader. Opening an already
// connected port is a no-op.
func (m *Manager) Connect(name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.devices[name]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	port, err := m.open(name, m.cfg)
	if err != nil {
		if err == ErrPermissionDenied {
			m.emit(Event{Type: EventError, DeviceID: name, Err: err, Timestamp: time.Now()})
			metrics.IncError("serial", "permission")
		}
		return err
	}

	d := &device{
		id:   name,
		port: port,
		buf:  keypad.NewFrameBuffer(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		d.close()
		return ErrManagerClosed
	}
	m.devices[name] = d
	count := len(m.devices)
	m.mu.Unlock()

	metrics.SerialDevices.Set(float64(count))
	m.log.Info("Serial device connected", "port", name, "baudrate", m.cfg.BaudRate)
	m.emit(Event{Type: EventDeviceConnected, DeviceID: name, Timestamp: time.Now()})

	m.wg.Add(1)
	go m.readLoop(d)
	return nil
}

// Disconnect closes one device without touching the others.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrDeviceNotFound
	}
	d.close() // reader observes the close and runs the teardown
	return nil
}

// readLoop drains one device until its port errors out, feeding bytes
// through the per-device frame buffer.
func (m *Manager) readLoop(d *device) {
	defer m.wg.Done()
	defer m.dropDevice(d)

	chunk := make([]byte, 512)
	for {
		n, err := d.port.Read(chunk)
		if err != nil {
			return
		}
		if n == 0 {
			// Read timeout tick; lets a closing manager be noticed.
			select {
			case <-m.done:
				return
			default:
				continue
			}
		}
		m.processBytes(d, chunk[:n])
	}
}

func (m *Manager) processBytes(d *device, data []byte) {
	d.bufMu.Lock()
	if err := d.buf.Write(data); err != nil {
		m.log.Warn("Frame buffer overflow, resetting", "port", d.id)
		d.buf.Reset()
		d.bufMu.Unlock()
		metrics.IncError("serial", "overflow")
		return
	}
	frames, _ := d.buf.ParseAll()
	d.bufMu.Unlock()

	for _, frame := range frames {
		if addr := keypad.Address(frame); addr != "" {
			d.addr.Store(addr)
		}
		m.emit(Event{
			Type:      EventFrame,
			DeviceID:  d.id,
			Address:   d.address(),
			Frame:     frame,
			Timestamp: time.Now(),
		})
	}
}

// dropDevice tears down exactly one device and, when it was the last,
// arms the reconnect timer.
func (m *Manager) dropDevice(d *device) {
	d.close()

	m.mu.Lock()
	if m.devices[d.id] != d {
		m.mu.Unlock()
		return
	}
	delete(m.devices, d.id)
	count := len(m.devices)
	closed := m.closed
	m.mu.Unlock()

	metrics.SerialDevices.Set(float64(count))
	m.log.Info("Serial device disconnected", "port", d.id)
	m.emit(Event{Type: EventDeviceDisconnected, DeviceID: d.id, Address: d.address(), Timestamp: time.Now()})

	if count == 0 && m.cfg.AutoReconnect && !closed {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms a single retry. A failed attempt re-arms itself;
// the pending flag keeps this from ever stacking timers.
func (m *Manager) scheduleReconnect() {
	if !m.reconnectPending.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnectPending.Store(false)

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if n := m.ConnectAll(); n == 0 {
			m.scheduleReconnect()
		}
	})
}

// Write queues a frame for one device, or for every device when deviceID
// is empty. Best effort: delivery failures surface as a log line and an
// error metric.
func (m *Manager) Write(deviceID string, frame []byte) error {
	return m.enqueue(writeRequest{deviceID: deviceID, frame: frame})
}

// Broadcast queues a frame for every connected device.
func (m *Manager) Broadcast(frame []byte) error {
	return m.enqueue(writeRequest{frame: frame})
}

// WriteSync queues a frame and waits for it to reach the wire. Used on
// the keypad response path, where both reply frames must land before the
// keypad's next poll.
func (m *Manager) WriteSync(deviceID string, frame []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	if err := m.enqueue(writeRequest{deviceID: deviceID, frame: frame, done: done}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// WriteToAddress routes a frame to the device a keypad address was
// learned on, falling back to broadcast when the address is unknown.
func (m *Manager) WriteToAddress(addr string, frame []byte, timeout time.Duration) error {
	return m.WriteSync(m.deviceForAddress(addr), frame, timeout)
}

func (m *Manager) deviceForAddress(addr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if d.address() == addr {
			return id
		}
	}
	return ""
}

func (m *Manager) enqueue(req writeRequest) error {
	select {
	case <-m.done:
		return ErrManagerClosed
	default:
	}

	select {
	case m.writeQ <- req:
		return nil
	default:
		metrics.IncError("serial", "queue_full")
		return ErrQueueFull
	}
}

// writerLoop is the single bus writer. It spaces consecutive frames by
// the configured pacing without ever blocking the callers that queued
// them.
func (m *Manager) writerLoop() {
	defer m.wg.Done()

	var nextSend time.Time
	for {
		select {
		case <-m.done:
			// Fail queued sync writers instead of leaving them to time out.
			for {
				select {
				case req := <-m.writeQ:
					if req.done != nil {
						req.done <- ErrManagerClosed
					}
				default:
					return
				}
			}
		case req := <-m.writeQ:
			if wait := time.Until(nextSend); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-m.done:
					timer.Stop()
					if req.done != nil {
						req.done <- ErrManagerClosed
					}
					continue
				}
			}

			err := m.writeFrame(req)
			nextSend = time.Now().Add(m.cfg.WritePacing)

			if req.done != nil {
				req.done <- err
			} else if err != nil {
				m.log.Warn("Queued write failed", "device", req.deviceID, "error", err)
				metrics.IncError("serial", "write")
			}
		}
	}
}

func (m *Manager) writeFrame(req writeRequest) error {
	m.mu.Lock()
	var targets []*device
	if req.deviceID == "" {
		for _, d := range m.devices {
			targets = append(targets, d)
		}
	} else if d, ok := m.devices[req.deviceID]; ok {
		targets = append(targets, d)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		if req.deviceID != "" {
			return ErrDeviceNotFound
		}
		return ErrNoDevices
	}

	var firstErr error
	for _, d := range targets {
		if _, err := d.port.Write(req.frame); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.IncFrame(metrics.DirectionOutbound, "frame")
	}
	return firstErr
}

// SetBaudRate reopens every device at the new speed.
func (m *Manager) SetBaudRate(baud int) {
	// Suppress the reconnect timer while devices cycle.
	m.reconnectPending.Store(true)

	// Devices leave the map here, not in dropDevice, so ConnectAll below
	// can reopen the same ports immediately.
	m.mu.Lock()
	m.cfg.BaudRate = baud
	snapshot := make([]*device, 0, len(m.devices))
	for id, d := range m.devices {
		snapshot = append(snapshot, d)
		delete(m.devices, id)
	}
	m.mu.Unlock()

	for _, d := range snapshot {
		d.close()
	}

	m.reconnectPending.Store(false)
	m.log.Info("Baud rate changed", "baudrate", baud)
	if n := m.ConnectAll(); n == 0 && m.cfg.AutoReconnect {
		m.scheduleReconnect()
	}
}

// DeviceCount returns the number of open devices.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// DeviceIDs returns the open device identifiers.
func (m *Manager) DeviceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	return ids
}

// Connected reports whether at least one device is open.
func (m *Manager) Connected() bool {
	return m.DeviceCount() > 0
}

// Stop closes every device and the writer. Pending synchronous writes
// fail with ErrManagerClosed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	snapshot := make([]*device, 0, len(m.devices))
	for _, d := range m.devices {
		snapshot = append(snapshot, d)
	}
	m.mu.Unlock()

	close(m.done)
	for _, d := range snapshot {
		d.close()
	}
	m.wg.Wait()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnSerialEvent(ev)
	}
}
