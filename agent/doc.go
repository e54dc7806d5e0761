// Package agent defines the two specialist stages of the formulation
// pipeline and the patient profile they work from.
//
// The supplement specialist selects ingredients and dosages from the
// ingredient catalog; the formulation specialist turns that selection into a
// base mix, add-mix customizations and preparation instructions. Each stage
// ends its answer with a fenced JSON block which ParseSupplement and
// ParseFormulation extract with gjson, so a partially malformed answer still
// yields whatever fields are readable.
package agent
