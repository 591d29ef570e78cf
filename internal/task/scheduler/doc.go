// Package scheduler drives a build: it pulls dependency-ready batches from a
// Source, dispatches them to a worker pool under a concurrency ceiling,
// postpones tasks that are not ready yet, absorbs follow-on tasks and applies
// the stop-on-error or keep-going policy.
//
// The scheduler goroutine is the only one touching the outstanding and frozen
// lists, so none of that state is locked. Workers talk back through the
// completion queue and the error handler.
package scheduler
