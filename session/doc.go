// Package session owns the mapping from session id to conversation state.
//
// Sessions are created lazily on first reference and live for the lifetime of
// the process. The store is partitioned into shards, each with its own lock,
// so lookups for unrelated sessions never serialize behind each other. The
// per-session busy flag is the single-flight guard that admits at most one
// active stream per session; accounting reads never wait on it.
package session
