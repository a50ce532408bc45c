package pipeline

import (
	"fmt"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/rs/zerolog/log"
)

// Unbounded disables the writable-capacity check in Encode.
const Unbounded = -1

// Encoder turns typed messages into wire frames. It holds no per-session
// state and is safe for concurrent use.
type Encoder struct {
	reg    *registry.Registry
	cipher cipher.Cipher
	limits frame.Limits
}

func NewEncoder(reg *registry.Registry, c cipher.Cipher, limits frame.Limits) *Encoder {
	if c == nil {
		c = cipher.Noop{}
	}
	if limits.MaxFrameSize < frame.MinLength {
		limits = frame.DefaultLimits()
	}
	return &Encoder{reg: reg, cipher: c, limits: limits}
}

// Encode returns the wire bytes for msg. capacity is the writable byte
// budget of the outbound channel (Unbounded to skip the check). Failures
// are logged and returned; the message is dropped and never retried here.
func (e *Encoder) Encode(msg any, key []byte, capacity int) ([]byte, error) {
	desc, err := e.reg.LookupByValue(msg)
	if err != nil {
		log.Error().Str("type", fmt.Sprintf("%T", msg)).Err(err).Msg("pipeline.Encoder unregistered message")
		return nil, err
	}
	plain, err := encodePayload(desc, msg)
	if err != nil {
		err = protocol.NewFrameError(protocol.ErrEncodeFailed, desc.ID, err)
		log.Error().Uint32("msg_id", desc.ID).Err(err).Msg("pipeline.Encoder serialize failed")
		return nil, err
	}
	payload, err := e.cipher.Encrypt(plain, key)
	if err != nil {
		err = protocol.NewFrameError(protocol.ErrEncryptFailed, desc.ID, err)
		log.Error().Uint32("msg_id", desc.ID).Err(err).Msg("pipeline.Encoder encrypt failed")
		return nil, err
	}

	size := frame.HeaderLen + len(payload)
	if uint64(frame.IDFieldLen)+uint64(len(payload)) > uint64(e.limits.MaxFrameSize) ||
		(capacity >= 0 && size > capacity) {
		err = protocol.NewFrameError(
			protocol.ErrOversizeFrame,
			desc.ID,
			fmt.Errorf("frame=%d capacity=%d max=%d", size, capacity, e.limits.MaxFrameSize),
		)
		log.Error().Uint32("msg_id", desc.ID).Int("size", size).Err(err).Msg("pipeline.Encoder frame does not fit")
		return nil, err
	}
	return frame.Append(make([]byte, 0, size), frame.New(desc.ID, payload)), nil
}

// Registry exposes the bindings the encoder resolves against.
func (e *Encoder) Registry() *registry.Registry {
	return e.reg
}

func encodePayload(desc *registry.Descriptor, msg any) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer panic: %v", r)
		}
	}()
	return desc.Encode(msg)
}
