// Package dispatch runs plugin work items.
//
// One Worker exists per plugin. It owns an unbounded FIFO queue and a single
// goroutine that takes items off that queue one at a time, so a plugin's
// handlers never run concurrently with each other while different plugins run
// fully in parallel.
//
// For every item the worker:
//   - classifies it (task, policy, mode signal, kill signal)
//   - resolves the handler through the Router
//   - threads an ExecutionContext through the handler invocation
//   - builds the status response, moving non-inline payloads through a
//     transfer.Session when needed
//   - hands the response to the Messenger
//   - clears the ExecutionContext before the next item
//
// Handler errors and panics are contained: they are logged and the item is
// treated as having produced no response unless the handler set one before
// failing. Only a KillSignal or a SHUTDOWN_MODE signal stops the loop, and both
// are observed between items, never mid-handler.
package dispatch
