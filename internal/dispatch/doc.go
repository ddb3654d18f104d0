// Package dispatch runs conversion work on a bounded pool of goroutines.
//
// Submit never blocks the caller: a task either lands in the queue or is
// rejected with ErrSaturated, which the pipeline turns into a Failed job.
//
// Key features:
//   - Fixed number of workers draining a bounded FIFO queue
//   - Non-blocking Submit with explicit saturation error
//   - Panic containment per task so one job cannot take down the process
//   - Graceful Stop: queued and running tasks finish unless the stop
//     context expires first
//
// Tasks are not cancellable once started. A started job reaches a terminal
// state or the process exits.
package dispatch
