// Package serial owns the physical keypad bus: it discovers serial
// adapters, keeps one reader per open device, and serializes all writes
// through a single paced queue so keypads on the shared multi-drop link
// are never overrun.
package serial

import (
	"errors"
	"io"
	"strings"
	"time"

	bugst "go.bug.st/serial"
)

// Common errors.
var (
	ErrDeviceNotFound    = errors.New("serial: device not found")
	ErrNoDevices         = errors.New("serial: no devices connected")
	ErrPermissionDenied  = errors.New("serial: permission denied")
	ErrWriteTimeout      = errors.New("serial: write timed out")
	ErrManagerClosed     = errors.New("serial: manager closed")
	ErrQueueFull         = errors.New("serial: write queue full")
)

// Port is the minimal surface the manager needs from an open adapter.
// Close must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a named port. Swappable for tests.
type OpenFunc func(name string, cfg Config) (Port, error)

// ListFunc enumerates candidate port names.
type ListFunc func() ([]string, error)

// Config holds serial bus configuration.
type Config struct {
	// Ports pins the manager to explicit port paths. Empty means
	// discover every available adapter (hub scenario).
	Ports []string `yaml:"ports" json:"ports"`

	// BaudRate is the bus speed. Keypads default to 9600.
	BaudRate int `yaml:"baudrate" json:"baudrate" validate:"gt=0"`

	// ReadTimeout bounds a single blocking read so a closing device
	// notices shutdown promptly.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WritePacing is the minimum gap between consecutive frames on the
	// bus. Keypads need processing time between frames.
	WritePacing time.Duration `yaml:"write_pacing" json:"write_pacing"`

	// ReconnectDelay is the wait before an auto-reconnect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// AutoReconnect retries opening devices after the last one drops.
	AutoReconnect bool `yaml:"auto_reconnect" json:"auto_reconnect"`

	// QueueSize is the outgoing frame queue capacity.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig returns the stock bus configuration (9600-8-N-1).
func DefaultConfig() Config {
	return Config{
		BaudRate:       9600,
		ReadTimeout:    100 * time.Millisecond,
		WritePacing:    50 * time.Millisecond,
		ReconnectDelay: 3 * time.Second,
		AutoReconnect:  true,
		QueueSize:      64,
	}
}

// openSystemPort opens a real adapter in 8-N-1 mode.
func openSystemPort(name string, cfg Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}

	port, err := bugst.Open(name, mode)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

func listSystemPorts() ([]string, error) {
	return bugst.GetPortsList()
}
