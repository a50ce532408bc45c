// Package session owns per-connection state.
//
// Ownership boundary:
// - lifecycle: Connecting -> Open -> Closing -> Closed
// - the partial frame buffer (through the pipeline decoder)
// - cipher key material and the outbound sequence counter
// - the connection-scoped frame error window
//
// A session's decode steps run one at a time under its own lock, and
// dispatch work is tracked with Begin/End so Close can drain it. No
// consumer callback runs after the session reaches Closed.
package session
