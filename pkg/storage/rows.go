package storage

import "encoding/json"

// Identified is implemented by every entity type stored through Table so
// the table knows the row's primary key without a separate index.
type Identified interface {
	RowID() string
}

// Table is a typed keyed-row handle over one bucket. Operations are Get,
// Put (insert or update-by-id), Delete, List and Where (the query
// builder's equality filter), matching the persistence-layer contract
// in SPEC_FULL.md §4.1.
type Table[T Identified] struct {
	bucket string
}

func newTable[T Identified](bucket string) Table[T] {
	return Table[T]{bucket: bucket}
}

// Get fetches the row with the given id. Returns ErrNotFound if absent.
func (t Table[T]) Get(tx *Tx, id string) (T, error) {
	var zero T
	raw, err := tx.Get(t.bucket, id)
	if err != nil {
		return zero, err
	}
	if raw == nil {
		return zero, ErrNotFound
	}
	var row T
	if err := json.Unmarshal(raw, &row); err != nil {
		return zero, err
	}
	return row, nil
}

// Put inserts or updates (by RowID) the given row.
func (t Table[T]) Put(tx *Tx, row T) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.Put(t.bucket, row.RowID(), data)
}

// Delete removes the row with the given id. Deleting a missing id is a
// no-op, matching the idempotence spec.md requires of teardown paths.
func (t Table[T]) Delete(tx *Tx, id string) error {
	return tx.Delete(t.bucket, id)
}

// List returns every row in the bucket, in unspecified order.
func (t Table[T]) List(tx *Tx) ([]T, error) {
	var rows []T
	err := tx.ForEach(t.bucket, func(_ string, value []byte) error {
		var row T
		if err := json.Unmarshal(value, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// Where is the query builder's equality-filter surface: it lists every
// row for which pred returns true. This is deliberately join-less and
// untyped on the predicate side — callers express field equality with a
// closure over the generated type rather than a string-keyed filter map,
// which keeps the query builder a thin, type-checked convenience instead
// of a second schema.
func (t Table[T]) Where(tx *Tx, pred func(T) bool) ([]T, error) {
	all, err := t.List(tx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, row := range all {
		if pred(row) {
			out = append(out, row)
		}
	}
	return out, nil
}
