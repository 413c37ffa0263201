/*
Package storage is laasd's persistence layer: a bbolt-backed, bucket-
per-entity store of typed keyed rows, with nested transactions exposed
as savepoints.

# Transactions as savepoints

DB.Begin opens a root transaction backed by a real *bbolt.Tx. Tx.Begin
opens a child transaction whose writes land in an in-memory overlay and
are only applied to the parent (and, transitively, to bbolt) when the
child commits — rolling back a child discards its overlay and leaves the
parent untouched. This is what lets the allocator roll back a dry-run
allocation, or a multi-row allocation that fails part-way, without a
second bbolt write transaction (bbolt only ever allows one).

# Typed tables

Table[T] wraps one bucket for one entity type (see store.go for the
concrete instantiations — Hosts, VLANs, Aggregates, RuntimeTasks, ...).
Get/Put/Delete/List are the typed row handle; Where is the query
builder's equality-filter surface, expressed as a predicate closure
rather than a string-keyed filter map so mismatched field names fail to
compile instead of failing at runtime.
*/
package storage
