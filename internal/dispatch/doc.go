// Package dispatch routes decoded messages to business consumers.
//
// Handlers run inline on the session's read loop or on a bounded worker
// pool. With the pool, each session owns a strand: a FIFO of its pending
// tasks that runs on at most one worker at a time, so a session's
// callbacks never overlap and keep arrival order. Consumer errors and
// panics are reported to error listeners and never leave the dispatcher.
package dispatch
