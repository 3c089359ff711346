// Package portledger enforces the host-port uniqueness invariant across
// running instances: a host port may be reserved by at most one instance
// at a time. Backed by SQLite, grounded on the upstream IP-allocation
// repository's reserve/release shape but narrowed to just the
// port-reservation concern since instance identity itself lives in the
// flat-file registry.
package portledger

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger tracks host-port reservations in a single SQLite table. All
// access goes through a mutex even though SQLite serializes writes itself,
// so a concurrent reservation attempt fails with ErrPortInUse rather than
// surfacing as an opaque SQLITE_BUSY retry loop.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// ErrPortInUse is returned by Reserve when the host port is already
// reserved by a different instance, or by the same instance under a
// different protocol.
var ErrPortInUse = fmt.Errorf("portledger: host port already reserved")

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("portledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS port_reservations (
	host_port  INTEGER PRIMARY KEY,
	protocol   TEXT NOT NULL,
	instance   TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("portledger: create schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Reserve claims hostPort/protocol for instance. Reserving a port already
// held by the same instance under the same protocol is a no-op success
// (idempotent re-reservation on retry).
func (l *Ledger) Reserve(instance string, hostPort uint16, protocol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// host_port alone is the primary key: a port already reserved under a
	// different protocol still collides, since the underlying host listener
	// can only bind one of tcp or udp to a given number at a time.
	var owner, ownerProto string
	err := l.db.QueryRow(`SELECT instance, protocol FROM port_reservations WHERE host_port = ?`, hostPort).Scan(&owner, &ownerProto)
	switch {
	case err == sql.ErrNoRows:
		_, err := l.db.Exec(`INSERT INTO port_reservations (host_port, protocol, instance) VALUES (?, ?, ?)`, hostPort, protocol, instance)
		if err != nil {
			return fmt.Errorf("portledger: reserve %d/%s: %w", hostPort, protocol, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("portledger: query %d/%s: %w", hostPort, protocol, err)
	case owner == instance && ownerProto == protocol:
		return nil
	default:
		return fmt.Errorf("%w: %d/%s held by %q as %s", ErrPortInUse, hostPort, protocol, owner, ownerProto)
	}
}

// ReleaseAll frees every port reservation held by instance, called from
// delete().
func (l *Ledger) ReleaseAll(instance string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.Exec(`DELETE FROM port_reservations WHERE instance = ?`, instance); err != nil {
		return fmt.Errorf("portledger: release all for %q: %w", instance, err)
	}
	return nil
}

// Count returns the number of active reservations, used by tests to assert
// full release after delete.
func (l *Ledger) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM port_reservations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("portledger: count: %w", err)
	}
	return n, nil
}
