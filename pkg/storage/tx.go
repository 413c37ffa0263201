package storage

import (
	bolt "go.etcd.io/bbolt"
)

// cellKey addresses one value inside one bucket.
type cellKey struct {
	bucket string
	key    string
}

// Tx is a transaction scope with commit/rollback semantics. A Tx opened
// from another Tx (via Begin) is a nested savepoint: its writes are only
// visible to the parent once it commits, and the parent's own commit is
// what ultimately makes them durable. A Tx opened from the DB is a root
// transaction backed directly by a *bolt.Tx.
//
// This gives the allocator's dry-run allocation and its all-or-nothing
// multi-row allocations real nested-transaction semantics on top of
// bbolt, which only offers one write transaction at a time.
type Tx struct {
	db     *DB
	parent *Tx     // nil for a root transaction
	root   *bolt.Tx // set only on the root transaction

	writable bool
	overlay  map[cellKey][]byte // nil value => tombstone
	done     bool
}

// Begin starts a nested transaction (a savepoint) scoped to this one.
// Writes made through the child are invisible to everything but the
// child until the child commits into the parent's overlay.
func (tx *Tx) Begin() *Tx {
	return &Tx{
		db:       tx.db,
		parent:   tx,
		writable: tx.writable,
		overlay:  make(map[cellKey][]byte),
	}
}

// Get reads the current value for key in bucket, checking this
// transaction's own overlay, then each ancestor's overlay, then the root
// bbolt bucket. Returns nil, nil if the key does not exist or has been
// deleted in an overlay between here and the root.
func (tx *Tx) Get(bucket, key string) ([]byte, error) {
	ck := cellKey{bucket, key}
	if v, ok := tx.overlay[ck]; ok {
		if v == nil {
			return nil, nil // tombstoned in this scope
		}
		return v, nil
	}
	if tx.parent != nil {
		return tx.parent.Get(bucket, key)
	}
	b := tx.root.Bucket([]byte(bucket))
	if b == nil {
		return nil, nil
	}
	if v := b.Get([]byte(key)); v != nil {
		return append([]byte(nil), v...), nil
	}
	return nil, nil
}

// Put writes key in bucket within this transaction's overlay.
func (tx *Tx) Put(bucket, key string, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.overlay[cellKey{bucket, key}] = append([]byte(nil), value...)
	return nil
}

// Delete tombstones key in bucket within this transaction's overlay.
func (tx *Tx) Delete(bucket, key string) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.overlay[cellKey{bucket, key}] = nil
	return nil
}

// ForEach calls fn for every key in bucket visible from this
// transaction: committed bbolt rows overlaid with every ancestor's and
// this transaction's own pending writes and tombstones.
func (tx *Tx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	merged := map[string][]byte{}
	var collect func(t *Tx)
	collect = func(t *Tx) {
		if t.parent != nil {
			collect(t.parent)
		} else {
			if b := t.root.Bucket([]byte(bucket)); b != nil {
				_ = b.ForEach(func(k, v []byte) error {
					merged[string(k)] = append([]byte(nil), v...)
					return nil
				})
			}
		}
		for ck, v := range t.overlay {
			if ck.bucket != bucket {
				continue
			}
			if v == nil {
				delete(merged, ck.key)
			} else {
				merged[ck.key] = v
			}
		}
	}
	collect(tx)
	for k, v := range merged {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Commit folds this transaction's overlay into its parent (for a
// savepoint) or writes it through to bbolt (for a root transaction).
// Calling Commit more than once, or after Rollback, is an error.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	if tx.parent != nil {
		for ck, v := range tx.overlay {
			tx.parent.overlay[ck] = v
		}
		return nil
	}
	for ck, v := range tx.overlay {
		b, err := tx.root.CreateBucketIfNotExists([]byte(ck.bucket))
		if err == nil && v == nil {
			err = b.Delete([]byte(ck.key))
		} else if err == nil {
			err = b.Put([]byte(ck.key), v)
		}
		if err != nil {
			_ = tx.root.Rollback()
			return err
		}
	}
	return tx.root.Commit()
}

// Rollback discards this transaction's overlay. It is always safe to
// call, including after Commit (a no-op in that case), so callers can
// `defer tx.Rollback()` unconditionally right after Begin.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.parent != nil {
		return nil
	}
	return tx.root.Rollback()
}
