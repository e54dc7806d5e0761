// Package trace records per-session execution traces and fans completed
// traces out to live subscribers.
//
// A Processor keeps the most recent traces of each session in a ring buffer.
// Subscribers receive every trace finished after they subscribed; a
// subscriber whose buffer is full misses the update instead of blocking the
// producer. A nil *Processor and the recorders it returns are valid and
// record nothing.
package trace
