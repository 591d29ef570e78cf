// Package engine runs dispatched tasks on a fixed pool of workers.
//
// The pool owns two buffered channels: the ready queue fed by the scheduler
// and the completion queue drained by it. Workers capture panics from Run and
// PostRun as exception failures and call the failure hook before handing the
// task back.
package engine
