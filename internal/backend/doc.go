// Package backend defines the storage collaborator used by the state table
// engines: atomic transactions over a per-table pending-key list and
// per-key hash records, plus a per-table wakeup channel.
//
// Implementations live in subpackages:
//   - memory: in-process, per-table mutex
//   - sqlite: one database file shared by processes on a host
//   - postgres: a shared PostgreSQL database with LISTEN/NOTIFY wakeups
//
// Every implementation guarantees that a transaction's effects become
// visible all at once or not at all, and that wakeups are published only
// after commit.
package backend
