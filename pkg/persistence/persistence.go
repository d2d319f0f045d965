// Package persistence defines the key-record store backing services,
// counters, queue transactions and appliance settings.
package persistence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an item is not found.
var ErrNotFound = errors.New("item not found")

// Transaction statuses.
const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusDone    = "done"
)

// Service is one queue line (e.g. "Billing").
type Service struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix,omitempty"`
	LastToken int    `json:"lastToken"`
}

// Counter is one serving position, hard or soft.
type Counter struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ServiceID string `json:"serviceId"`
}

// Transaction is one issued ticket moving through a service's queue.
type Transaction struct {
	ID        int64     `json:"id"`
	ServiceID string    `json:"serviceId"`
	Token     string    `json:"token"`
	CounterID string    `json:"counterId,omitempty"` // empty until a counter calls it
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence interface consumed by the router and the
// status API.
type Store interface {
	// SaveService inserts or updates a service.
	SaveService(svc *Service) error

	// Service fetches one service by id.
	Service(id string) (*Service, error)

	// Services lists all services ordered by id.
	Services() ([]*Service, error)

	// SaveCounter inserts or updates a counter.
	SaveCounter(c *Counter) error

	// Counter fetches one counter by id.
	Counter(id string) (*Counter, error)

	// Counters lists all counters ordered by id.
	Counters() ([]*Counter, error)

	// ServiceIDForCounter resolves the service a counter serves.
	ServiceIDForCounter(counterID string) (string, error)

	// NextToken atomically increments and returns a service's token
	// sequence.
	NextToken(serviceID string) (int, error)

	// AddTransaction records a freshly issued ticket as waiting.
	AddTransaction(tx *Transaction) error

	// NextWaiting claims the oldest waiting transaction of a service
	// for counterID, marking it serving. ErrNotFound when the queue is
	// empty.
	NextWaiting(serviceID, counterID string) (*Transaction, error)

	// ClaimToken marks a specific token of a service as serving at
	// counterID, regardless of queue position.
	ClaimToken(serviceID, token, counterID string) (*Transaction, error)

	// WaitingCount returns the number of waiting transactions for a
	// service.
	WaitingCount(serviceID string) (int, error)

	// SaveSetting stores one appliance setting.
	SaveSetting(key, value string) error

	// Setting fetches one appliance setting.
	Setting(key string) (string, error)

	// Close closes the store.
	Close() error
}
