// Package checkpoint persists job state snapshots so a driver loop can
// resume after a crash or restart.
//
// Every iteration writes one Checkpoint keyed by (job_id, seq). The
// latest pointer for each job is written in the same transaction, so
// resume never observes a torn pair. Retention is time-based plus a
// per-job history cap; the Manager adds bounded write retries on top
// of the Store so a transient disk error pauses a job instead of
// killing it.
package checkpoint
