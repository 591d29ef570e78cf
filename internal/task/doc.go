// Package task defines the unit of work executed by the build scheduler.
//
// A task answers a readiness check (Proceed, AskLater, Skip), runs on a worker,
// and finishes in exactly one terminal status. Two failure kinds are kept apart:
//   - LogicFailure: the action ran and reported failure (nonzero exit).
//   - ExceptionFailure: the action, its finalize step or its readiness check
//     panicked or returned an error wrapped with Exception.
package task
