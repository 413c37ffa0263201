package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrReadOnly is returned by Put/Delete on a transaction opened with
	// View.
	ErrReadOnly = errors.New("storage: transaction is read-only")
	// ErrTxClosed is returned by a second Commit on the same transaction.
	ErrTxClosed = errors.New("storage: transaction already committed or rolled back")
	// ErrNotFound is returned by typed row lookups with no matching id.
	ErrNotFound = errors.New("storage: row not found")
)

// Buckets, one per entity, created at open time.
var buckets = []string{
	bucketLabs,
	bucketFlavors,
	bucketHosts,
	bucketSwitches,
	bucketSwitchPorts,
	bucketVLANs,
	bucketTemplates,
	bucketAggregates,
	bucketInstances,
	bucketResourceHandles,
	bucketAllocations,
	bucketVPNGrants,
	bucketRuntimeTasks,
}

const (
	bucketLabs            = "labs"
	bucketFlavors         = "flavors"
	bucketHosts           = "hosts"
	bucketSwitches        = "switches"
	bucketSwitchPorts     = "switch_ports"
	bucketVLANs           = "vlans"
	bucketTemplates       = "templates"
	bucketAggregates      = "aggregates"
	bucketInstances       = "instances"
	bucketResourceHandles = "resource_handles"
	bucketAllocations     = "allocations"
	bucketVPNGrants       = "vpn_grants"
	bucketRuntimeTasks    = "runtime_tasks"
)

// DB is the persistence layer: a bbolt-backed store of typed, keyed rows
// with bucket-per-entity JSON encoding, exposing nested transactions as
// the unit of work everything else in laasd builds on.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the bbolt database file under
// dataDir and ensures every entity bucket exists.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, "laasd.db")
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if _, err := applyPendingMigrations(bdb); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &DB{bolt: bdb}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Begin starts a root read-write transaction. The returned Tx must be
// closed with Commit or Rollback.
func (d *DB) Begin() (*Tx, error) {
	btx, err := d.bolt.Begin(true)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d, root: btx, writable: true, overlay: make(map[cellKey][]byte)}, nil
}

// View runs fn inside a read-only root transaction, always rolling back
// afterward since a view never has anything to commit.
func (d *DB) View(fn func(tx *Tx) error) error {
	btx, err := d.bolt.Begin(false)
	if err != nil {
		return err
	}
	tx := &Tx{db: d, root: btx, writable: false, overlay: make(map[cellKey][]byte)}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn inside a root read-write transaction, committing on a
// nil return and rolling back otherwise.
func (d *DB) Update(fn func(tx *Tx) error) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
