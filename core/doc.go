// Package core defines the domain model shared by every other package:
// sessions and their messages, usage records, the closed StreamEvent union
// that forms the outward protocol, pipeline stage outputs and the error
// taxonomy.
//
// Packages that implement behavior (session, engine, pipeline, usage) depend
// on core; core depends on nothing inside the module.
package core
