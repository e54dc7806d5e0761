// Package logging provides the Logger interface used across tailormesh and
// the adapters behind it.
//
// Components accept a Logger and default to NoOpLogger. Arguments follow the
// slog key/value convention:
//
//	logger.Info("stream started", "session_id", id, "model", model)
//
// StructuredLogger adds cloning helpers (WithComponent, WithSession,
// WithContext) and domain helpers for provider calls, stages and pipeline
// runs.
package logging
