// Package model defines the provider-agnostic generation interface used by the
// dispatcher and pipeline.
//
// A Model streams partial text chunks on one channel and reports a failure on
// a second, single-value error channel. Both channels are closed when the
// producer exits. Implementations must observe ctx at every send so that a
// cancelled consumer never leaves the producer blocked.
//
// Providers live in subpackages (openai, anthropic, gemini). MockModel is a
// scripted implementation for tests and examples.
package model
