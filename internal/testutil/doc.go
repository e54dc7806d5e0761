// Package testutil contains helpers shared by package tests for draining and
// inspecting event streams. Not intended for production use.
package testutil
