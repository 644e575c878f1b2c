// Package research defines the cumulative investigation state for a job
// and the field-level merge rules that steps mutate it through.
//
// State is the single mutable record for one job. Steps never write it
// directly: each step returns a Delta touching only its declared fields,
// and Apply folds the Delta in with an explicit reducer per field
// (list-append for findings, set-add for executed queries, monotonic
// false→true for phase flags, max-merge for counters and cursors).
package research
