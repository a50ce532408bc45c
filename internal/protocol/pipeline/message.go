// Package pipeline holds the transform stages between wire bytes and
// typed messages.
//
// Inbound: frame split -> decrypt -> resolve id -> deserialize.
// Outbound: resolve type -> serialize -> encrypt -> frame.
package pipeline

import "reflect"

// Message is one decoded inbound message. SessionID names the session
// the frame arrived on; the message does not own the session.
type Message struct {
	ID        uint32
	Type      reflect.Type
	Name      string
	Payload   any
	SessionID string
}
