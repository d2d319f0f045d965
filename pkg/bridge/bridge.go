// Package bridge joins the physical keypad bus to the logical queue
// domain. It learns which bus address belongs to which counter, turns
// inbound frames into queue operations, and renders queue state back into
// display frames.
package bridge

import (
	"sync"
	"time"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/metrics"
	"github.com/orbitsq/queuebridge/pkg/protocol/keypad"
	"github.com/orbitsq/queuebridge/pkg/serial"
)

// QueueOperations is implemented by the application layer. The bridge
// forwards every keypad command to exactly one of these calls.
type QueueOperations interface {
	// GetServiceIDForCounter resolves the service a counter serves.
	GetServiceIDForCounter(counterID string) (string, bool)

	OnHardKeypadConnected(counterID string)
	OnHardKeypadNext(counterID, serviceNo, priority string)
	OnHardKeypadRepeat(counterID, token string)
	OnHardKeypadDirectCall(counterID, token string)
	OnHardKeypadDisconnected(counterID string)
}

// BusWriter is the slice of the serial manager the bridge writes through.
type BusWriter interface {
	WriteToAddress(addr string, frame []byte, timeout time.Duration) error
	Broadcast(frame []byte) error
}

// Config holds bridge timing parameters.
type Config struct {
	// ResponseGap separates the NPW and Display frames of a keypad
	// response. Keypads poll; both frames must land inside one poll
	// interval but not back-to-back.
	ResponseGap time.Duration `yaml:"response_gap" json:"response_gap"`

	// BroadcastGap paces per-counter sends during an NPW fan-out.
	BroadcastGap time.Duration `yaml:"broadcast_gap" json:"broadcast_gap"`

	// SyncTimeout bounds each synchronous bus write.
	SyncTimeout time.Duration `yaml:"sync_timeout" json:"sync_timeout"`
}

// DefaultConfig returns the stock bridge timings.
func DefaultConfig() Config {
	return Config{
		ResponseGap:  30 * time.Millisecond,
		BroadcastGap: 20 * time.Millisecond,
		SyncTimeout:  time.Second,
	}
}

// Bridge maintains the address/counter/service mappings for every keypad
// sharing the bus. Safe for concurrent use.
type Bridge struct {
	cfg Config
	bus BusWriter
	log *logger.Logger

	mu               sync.Mutex
	addrToCounter    map[string]string
	counterToAddr    map[string]string
	counterToService map[string]string
	lastActivity     map[string]time.Time
	ops              QueueOperations
}

// New creates a bridge writing through bus.
func New(cfg Config, bus BusWriter, log *logger.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.ResponseGap <= 0 {
		cfg.ResponseGap = def.ResponseGap
	}
	if cfg.BroadcastGap <= 0 {
		cfg.BroadcastGap = def.BroadcastGap
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}

	return &Bridge{
		cfg:              cfg,
		bus:              bus,
		log:              log.With("component", "bridge"),
		addrToCounter:    make(map[string]string),
		counterToAddr:    make(map[string]string),
		counterToService: make(map[string]string),
		lastActivity:     make(map[string]time.Time),
	}
}

// SetQueueOperations attaches the application collaborator. Commands
// arriving before this is called are logged and dropped.
func (b *Bridge) SetQueueOperations(ops QueueOperations) {
	b.mu.Lock()
	b.ops = ops
	b.mu.Unlock()
}

// OnSerialEvent implements serial.EventHandler.
func (b *Bridge) OnSerialEvent(ev serial.Event) {
	switch ev.Type {
	case serial.EventFrame:
		b.HandleFrame(ev.Frame)
	case serial.EventDeviceDisconnected:
		b.handleDeviceGone(ev)
	case serial.EventError:
		b.log.Warn("Bus error", "device", ev.DeviceID, "error", ev.Err)
	}
}

// HandleFrame parses and dispatches one de-framed buffer. Never fails:
// unparseable data is logged and the bus keeps running.
func (b *Bridge) HandleFrame(frame []byte) {
	cmd := keypad.ParseFrame(frame)
	metrics.IncFrame(metrics.DirectionInbound, keypad.CommandName(cmd))

	switch c := cmd.(type) {
	case keypad.Connect:
		b.handleConnect(c)
	case keypad.Next:
		b.handleNext(c)
	case keypad.Repeat:
		b.handleRepeat(c)
	case keypad.DirectCall:
		b.handleDirectCall(c)
	case keypad.Display:
		// Another sender's display frame echoed on the shared bus.
		b.log.Debug("Display echo", "addr", c.Addr, "token", c.Token)
	case keypad.Unknown:
		b.log.Warn("Unknown keypad command", "addr", c.Addr, "cmd", c.CmdByte, "raw", c.RawHex)
		metrics.IncError("bridge", "unknown_command")
	case keypad.RawData:
		b.log.Debug("Non-frame bus data", "ascii", c.ASCII)
	}
}

func (b *Bridge) handleConnect(c keypad.Connect) {
	counterID := b.MapAddressToCounter(c.Addr, c.Addr)

	b.mu.Lock()
	ops := b.ops
	b.mu.Unlock()

	if ops != nil {
		if serviceID, ok := ops.GetServiceIDForCounter(counterID); ok {
			b.mu.Lock()
			b.counterToService[counterID] = serviceID
			b.mu.Unlock()
		}
		ops.OnHardKeypadConnected(counterID)
	}

	b.log.Info("Hard keypad connected", "addr", c.Addr, "counter", counterID, "device_type", c.DeviceType)
	metrics.ConnectedKeypads.Set(float64(b.MappedCount()))

	// Seed the display so it never shows garbage while idle.
	frame := keypad.BuildDisplayFrame(c.Addr, "000", counterID, "000")
	if err := b.bus.WriteToAddress(c.Addr, frame, b.cfg.SyncTimeout); err != nil {
		b.log.Warn("Could not seed keypad display", "addr", c.Addr, "error", err)
	}
}

func (b *Bridge) handleNext(c keypad.Next) {
	counterID := b.ensureMapped(c.Addr)
	if ops := b.operations("next"); ops != nil {
		ops.OnHardKeypadNext(counterID, c.ServiceNo, c.Priority)
	}
}

func (b *Bridge) handleRepeat(c keypad.Repeat) {
	counterID := b.ensureMapped(c.Addr)
	if ops := b.operations("repeat"); ops != nil {
		ops.OnHardKeypadRepeat(counterID, c.Token)
	}
}

func (b *Bridge) handleDirectCall(c keypad.DirectCall) {
	counterID := b.ensureMapped(c.Addr)
	if ops := b.operations("direct_call"); ops != nil {
		ops.OnHardKeypadDirectCall(counterID, c.Token)
	}
}

func (b *Bridge) handleDeviceGone(ev serial.Event) {
	if ev.Address == "" {
		return
	}
	b.mu.Lock()
	counterID, ok := b.addrToCounter[ev.Address]
	ops := b.ops
	b.mu.Unlock()
	if ok && ops != nil {
		ops.OnHardKeypadDisconnected(counterID)
	}
}

// operations returns the collaborator or logs the drop.
func (b *Bridge) operations(cmd string) QueueOperations {
	b.mu.Lock()
	ops := b.ops
	b.mu.Unlock()
	if ops == nil {
		b.log.Warn("Queue operations not attached, dropping command", "cmd", cmd)
		metrics.IncError("bridge", "no_collaborator")
	}
	return ops
}

// MapAddressToCounter stores the bidirectional address/counter mapping,
// normalizing both ids to 4-digit form. Idempotent: re-mapping a known
// address only refreshes its activity timestamp.
func (b *Bridge) MapAddressToCounter(addr, counterID string) string {
	a := keypad.ToAddress(addr)
	c := keypad.ToCounterID(counterID)

	b.mu.Lock()
	b.addrToCounter[a] = c
	b.counterToAddr[c] = a
	b.lastActivity[a] = time.Now()
	b.mu.Unlock()
	return c
}

// ensureMapped returns the counter for addr, provisionally registering
// the address as its own counter id when the keypad skipped CONNECT.
func (b *Bridge) ensureMapped(addr string) string {
	a := keypad.ToAddress(addr)

	b.mu.Lock()
	counterID, ok := b.addrToCounter[a]
	if ok {
		b.lastActivity[a] = time.Now()
	}
	b.mu.Unlock()

	if ok {
		return counterID
	}
	b.log.Info("Auto-registering unmapped keypad", "addr", a)
	return b.MapAddressToCounter(a, a)
}

// SetCounterService records which service a counter serves, used for NPW
// fan-out.
func (b *Bridge) SetCounterService(counterID, serviceID string) {
	b.mu.Lock()
	b.counterToService[keypad.ToCounterID(counterID)] = serviceID
	b.mu.Unlock()
}

// SendResponseToKeypad delivers the result of a queue operation to one
// keypad: an NPW update, a short gap, then the Display frame with the
// called token. Both frames go out synchronously so they land before the
// keypad's next poll.
func (b *Bridge) SendResponseToKeypad(counterID, npw, token string) error {
	addr := b.AddressForCounter(counterID)

	if err := b.bus.WriteToAddress(addr, keypad.BuildMyNPWFrame(addr, npw, counterID), b.cfg.SyncTimeout); err != nil {
		return err
	}
	time.Sleep(b.cfg.ResponseGap)
	return b.bus.WriteToAddress(addr, keypad.BuildDisplayFrame(addr, npw, counterID, token), b.cfg.SyncTimeout)
}

// BroadcastNPWToService pushes a waiting-count update to every counter of
// a service except the one that triggered the change. Sends are paced in
// a background goroutine so the caller never waits on the bus.
func (b *Bridge) BroadcastNPWToService(serviceID, npw, exceptCounterID string) {
	except := keypad.ToCounterID(exceptCounterID)

	b.mu.Lock()
	targets := make([]string, 0, len(b.counterToService))
	for counterID, svc := range b.counterToService {
		if svc == serviceID && counterID != except {
			targets = append(targets, counterID)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	go func() {
		for i, counterID := range targets {
			if i > 0 {
				time.Sleep(b.cfg.BroadcastGap)
			}
			addr := b.AddressForCounter(counterID)
			frame := keypad.BuildMyNPWFrame(addr, npw, counterID)
			if err := b.bus.WriteToAddress(addr, frame, b.cfg.SyncTimeout); err != nil {
				b.log.Warn("NPW broadcast send failed", "counter", counterID, "error", err)
			}
		}
	}()
}

// SendAllServices pushes the service list to one keypad, or to every
// keypad on the bus when addr is empty.
func (b *Bridge) SendAllServices(addr string, services map[int]string) error {
	frame := keypad.BuildAllServices(services)
	if addr == "" {
		return b.bus.Broadcast(frame)
	}
	return b.bus.WriteToAddress(b.AddressForCounter(addr), frame, b.cfg.SyncTimeout)
}

// BroadcastDisplay pushes a called token to the display of every mapped
// keypad, paced like the NPW fan-out.
func (b *Bridge) BroadcastDisplay(npw, token string) {
	b.mu.Lock()
	targets := make([]string, 0, len(b.counterToAddr))
	for counterID := range b.counterToAddr {
		targets = append(targets, counterID)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	go func() {
		for i, counterID := range targets {
			if i > 0 {
				time.Sleep(b.cfg.BroadcastGap)
			}
			addr := b.AddressForCounter(counterID)
			frame := keypad.BuildDisplayFrame(addr, npw, counterID, token)
			if err := b.bus.WriteToAddress(addr, frame, b.cfg.SyncTimeout); err != nil {
				b.log.Warn("Display broadcast send failed", "counter", counterID, "error", err)
			}
		}
	}()
}

// SendMyInfo answers a keypad's own-configuration query.
func (b *Bridge) SendMyInfo(counterID, serviceNo string) error {
	addr := b.AddressForCounter(counterID)
	frame := keypad.BuildMyInfo(keypad.ToDisplayCounter(addr), counterID, serviceNo)
	return b.bus.WriteToAddress(addr, frame, b.cfg.SyncTimeout)
}

// AddressForCounter returns the learned bus address for a counter,
// falling back to the 4-digit form of the counter id itself.
func (b *Bridge) AddressForCounter(counterID string) string {
	c := keypad.ToCounterID(counterID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr, ok := b.counterToAddr[c]; ok {
		return addr
	}
	return c
}

// CounterForAddress returns the counter mapped to a bus address.
func (b *Bridge) CounterForAddress(addr string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.addrToCounter[keypad.ToAddress(addr)]
	return c, ok
}

// MappedCount returns the number of known keypad addresses.
func (b *Bridge) MappedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addrToCounter)
}

// LastActivity returns the most recent command time for an address.
func (b *Bridge) LastActivity(addr string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.lastActivity[keypad.ToAddress(addr)]
	return ts, ok
}
