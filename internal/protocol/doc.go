// Package protocol owns the wire contract shared by every transport stage.
//
// Ownership boundary:
// - error taxonomy for frame decode/encode and registration
// - fatal vs connection-scoped error classification
//
// Sub-packages:
// - frame: length-prefixed header primitives
// - codec: payload serializers
// - cipher: payload encryption contract
// - registry: immutable id <-> type bindings
// - pipeline: frame decoder/encoder stages
// - session: per-connection state and lifecycle
package protocol
