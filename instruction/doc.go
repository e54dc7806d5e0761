// Package instruction manages the system instruction text handed to the model.
//
// A Registry holds one text per Mode, loaded from files or the embedded
// defaults, plus an optional in-memory override of the default mode. Callers
// take a Snapshot at the start of a stream or stage; later edits and file
// reloads never change a snapshot that is already in use.
//
// Instruction documents are markdown with numbered top-level sections
// ("## 1. CORE IDENTITY & ROLE"). ParseSections and Reassemble convert between
// the full text and its sections for granular editing.
package instruction
