// Package rate implements the adaptive login rate limiter: fixed-window
// attempt counters keyed by (identity hint, origin), plus a behavioral
// history record that shrinks the budget after recent failures and relaxes
// it again under good standing.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - arl:a: attempt counter per (hint, origin)
//   - arl:h: behavioral history per (hint, origin)
//
// Budget computation is a pure function of the history record; identical
// histories always produce identical budgets.
//
// # What this package must NOT do
//
//   - Decide when to reject (the pipeline compares attempts to the budget).
//   - Be imported outside the authgate module.
package rate
