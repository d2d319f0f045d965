// Package sqlite implements persistence.Store on an embedded SQLite
// database.
package sqlite

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/orbitsq/queuebridge/pkg/persistence"
)

// Store implements persistence.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (and initializes) the database at path. Use ":memory:"
// for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// The driver is not safe for concurrent writers on one connection
	// pool beyond what SQLite serializes itself.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prefix TEXT DEFAULT '',
		last_token INTEGER DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS counters (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		service_id TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id TEXT NOT NULL,
		token TEXT NOT NULL,
		counter_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tx_service_status ON transactions(service_id, status, created_at);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveService inserts or updates a service.
func (s *Store) SaveService(svc *persistence.Service) error {
	query := `INSERT INTO services (id, name, prefix, last_token) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, prefix = excluded.prefix`
	_, err := s.db.Exec(query, svc.ID, svc.Name, svc.Prefix, svc.LastToken)
	return err
}

// Service fetches one service by id.
func (s *Store) Service(id string) (*persistence.Service, error) {
	row := s.db.QueryRow(`SELECT id, name, prefix, last_token FROM services WHERE id = ?`, id)
	var svc persistence.Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Prefix, &svc.LastToken); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Services lists all services ordered by id.
func (s *Store) Services() ([]*persistence.Service, error) {
	rows, err := s.db.Query(`SELECT id, name, prefix, last_token FROM services ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*persistence.Service
	for rows.Next() {
		var svc persistence.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Prefix, &svc.LastToken); err != nil {
			return nil, err
		}
		services = append(services, &svc)
	}
	return services, rows.Err()
}

// SaveCounter inserts or updates a counter.
func (s *Store) SaveCounter(c *persistence.Counter) error {
	query := `INSERT INTO counters (id, name, service_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, service_id = excluded.service_id`
	_, err := s.db.Exec(query, c.ID, c.Name, c.ServiceID)
	return err
}

// Counter fetches one counter by id.
func (s *Store) Counter(id string) (*persistence.Counter, error) {
	row := s.db.QueryRow(`SELECT id, name, service_id FROM counters WHERE id = ?`, id)
	var c persistence.Counter
	if err := row.Scan(&c.ID, &c.Name, &c.ServiceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Counters lists all counters ordered by id.
func (s *Store) Counters() ([]*persistence.Counter, error) {
	rows, err := s.db.Query(`SELECT id, name, service_id FROM counters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []*persistence.Counter
	for rows.Next() {
		var c persistence.Counter
		if err := rows.Scan(&c.ID, &c.Name, &c.ServiceID); err != nil {
			return nil, err
		}
		counters = append(counters, &c)
	}
	return counters, rows.Err()
}

// ServiceIDForCounter resolves the service a counter serves.
func (s *Store) ServiceIDForCounter(counterID string) (string, error) {
	row := s.db.QueryRow(`SELECT service_id FROM counters WHERE id = ?`, counterID)
	var serviceID string
	if err := row.Scan(&serviceID); err != nil {
		if err == sql.ErrNoRows {
			return "", persistence.ErrNotFound
		}
		return "", err
	}
	return serviceID, nil
}

// NextToken atomically increments and returns a service's token sequence.
func (s *Store) NextToken(serviceID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE services SET last_token = last_token + 1 WHERE id = ?`, serviceID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, persistence.ErrNotFound
	}

	var token int
	if err := tx.QueryRow(`SELECT last_token FROM services WHERE id = ?`, serviceID).Scan(&token); err != nil {
		return 0, err
	}
	return token, tx.Commit()
}

// AddTransaction records a freshly issued ticket as waiting.
func (s *Store) AddTransaction(t *persistence.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = persistence.StatusWaiting
	}
	query := `INSERT INTO transactions (service_id, token, counter_id, status, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.Exec(query, t.ServiceID, t.Token, t.CounterID, t.Status, t.CreatedAt)
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// NextWaiting claims the oldest waiting transaction of a service.
func (s *Store) NextWaiting(serviceID, counterID string) (*persistence.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, service_id, token, status, created_at FROM transactions
		WHERE service_id = ? AND status = ? ORDER BY created_at, id LIMIT 1`,
		serviceID, persistence.StatusWaiting)

	var t persistence.Transaction
	if err := row.Scan(&t.ID, &t.ServiceID, &t.Token, &t.Status, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE transactions SET status = ?, counter_id = ? WHERE id = ?`,
		persistence.StatusServing, counterID, t.ID); err != nil {
		return nil, err
	}

	t.Status = persistence.StatusServing
	t.CounterID = counterID
	return &t, tx.Commit()
}

// ClaimToken marks a specific token of a service as serving at counterID.
func (s *Store) ClaimToken(serviceID, token, counterID string) (*persistence.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, service_id, token, status, created_at FROM transactions
		WHERE service_id = ? AND token = ? AND status != ? ORDER BY id DESC LIMIT 1`,
		serviceID, token, persistence.StatusDone)

	var t persistence.Transaction
	if err := row.Scan(&t.ID, &t.ServiceID, &t.Token, &t.Status, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE transactions SET status = ?, counter_id = ? WHERE id = ?`,
		persistence.StatusServing, counterID, t.ID); err != nil {
		return nil, err
	}

	t.Status = persistence.StatusServing
	t.CounterID = counterID
	return &t, tx.Commit()
}

// WaitingCount returns the number of waiting transactions for a service.
func (s *Store) WaitingCount(serviceID string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE service_id = ? AND status = ?`,
		serviceID, persistence.StatusWaiting)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveSetting stores one appliance setting.
func (s *Store) SaveSetting(key, value string) error {
	query := `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

// Setting fetches one appliance setting.
func (s *Store) Setting(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", persistence.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
