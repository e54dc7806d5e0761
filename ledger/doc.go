// Package ledger is an append-only SQLite audit log of priced model calls.
//
// The ledger is a sink only: sessions are never rebuilt from it, and a write
// failure never fails the call that produced the entry.
package ledger
