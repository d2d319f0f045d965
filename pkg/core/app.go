// Package core wires the appliance together: configuration types and the
// App orchestrator owning the session server, the serial bus, the keypad
// bridge and the queue store.
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/orbitsq/queuebridge/pkg/bridge"
	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/persistence"
	"github.com/orbitsq/queuebridge/pkg/persistence/sqlite"
	"github.com/orbitsq/queuebridge/pkg/registry"
	"github.com/orbitsq/queuebridge/pkg/router"
	"github.com/orbitsq/queuebridge/pkg/serial"
	"github.com/orbitsq/queuebridge/pkg/server"
)

// Config is the full appliance configuration.
type Config struct {
	// Server is the session listener configuration.
	Server server.Config `yaml:"server" json:"server"`

	// Serial is the keypad bus configuration.
	Serial serial.Config `yaml:"serial" json:"serial"`

	// Bridge holds keypad bridge timings.
	Bridge bridge.Config `yaml:"bridge" json:"bridge"`

	// API configures the status/metrics HTTP endpoint.
	API APIConfig `yaml:"api" json:"api"`

	// Database configures the queue store.
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Logging configures log output.
	Logging logger.Config `yaml:"logging" json:"logging"`
}

// APIConfig holds status API configuration.
type APIConfig struct {
	// Enabled turns the HTTP API on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the API listen port.
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// DatabaseConfig holds queue store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" for ephemeral.
	Path string `yaml:"path" json:"path"`
}

// settingBaudRate persists the operator-selected bus speed.
const settingBaudRate = "baudrate"

// App owns every long-running component. Collaborators are wired
// explicitly at construction; nothing reaches for globals.
type App struct {
	config *Config
	log    *logger.Logger

	store  persistence.Store
	reg    *registry.Registry
	server *server.Server
	serial *serial.Manager
	bridge *bridge.Bridge
	router *router.Router

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// NewApp builds the component graph for cfg.
func NewApp(cfg *Config) (*App, error) {
	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "queuebridge.db"
	}
	store, err := sqlite.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("core: open store: %w", err)
	}

	// Operator-selected bus speed survives restarts. Restored before the
	// manager is built so the ports open at the right rate.
	if baud, err := store.Setting(settingBaudRate); err == nil {
		var n int
		if _, err := fmt.Sscanf(baud, "%d", &n); err == nil && n > 0 {
			cfg.Serial.BaudRate = n
		}
	}

	reg := registry.New(log)
	srv := server.New(cfg.Server, reg, log)
	mgr := serial.NewManager(cfg.Serial, log)
	br := bridge.New(cfg.Bridge, mgr, log)
	rt := router.New(store, srv, br, log)

	srv.SetMessageListener(rt)
	br.SetQueueOperations(rt)
	mgr.SetEventHandler(br)

	return &App{
		config: cfg,
		log:    log,
		store:  store,
		reg:    reg,
		server: srv,
		serial: mgr,
		bridge: br,
		router: rt,
	}, nil
}

// Start brings the listener and the bus up.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if err := a.server.Start(); err != nil {
		return err
	}
	if err := a.serial.Start(); err != nil {
		a.server.Stop()
		return err
	}

	a.running = true
	a.startedAt = time.Now()
	a.log.Info("Appliance started",
		"port", a.config.Server.Port,
		"baudrate", a.config.Serial.BaudRate,
	)
	return nil
}

// Stop tears everything down in reverse order.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}

	a.serial.Stop()
	a.server.Stop()
	err := a.store.Close()

	a.running = false
	a.log.Info("Appliance stopped")
	return err
}

// SetBaudRate reopens the bus at the given speed and persists the choice.
func (a *App) SetBaudRate(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("core: invalid baud rate %d", baud)
	}
	a.serial.SetBaudRate(baud)
	return a.store.SaveSetting(settingBaudRate, fmt.Sprintf("%d", baud))
}

// Status is the externally visible appliance state.
type Status struct {
	Running          bool     `json:"running"`
	Uptime           string   `json:"uptime"`
	ConnectedClients []string `json:"connected_clients"`
	SerialDevices    []string `json:"serial_devices"`
	MappedKeypads    int      `json:"mapped_keypads"`
}

// Status reports the current appliance state.
func (a *App) Status() Status {
	a.mu.Lock()
	running := a.running
	started := a.startedAt
	a.mu.Unlock()

	st := Status{
		Running:          running,
		ConnectedClients: a.server.ActiveIDs(),
		SerialDevices:    a.serial.DeviceIDs(),
		MappedKeypads:    a.bridge.MappedCount(),
	}
	if running {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	return st
}

// Config returns the appliance configuration.
func (a *App) Config() *Config { return a.config }

// Store returns the queue store.
func (a *App) Store() persistence.Store { return a.store }

// Server returns the session server.
func (a *App) Server() *server.Server { return a.server }

// Bridge returns the keypad bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Serial returns the bus manager.
func (a *App) Serial() *serial.Manager { return a.serial }
