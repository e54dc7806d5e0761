// Package usage prices token usage and accumulates it per session.
//
// Prices are held per model in USD per million tokens and converted to South
// African Rand at a fixed rate. Lookups for models missing from the table
// fail with core.ErrUnknownModel; Accountant.Cost falls back to a default
// model's rate so usage recording never blocks on a pricing miss.
package usage
