package pipeline

import (
	"fmt"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/rs/zerolog/log"
)

// DecodeState is the position of the decoder within the current frame.
type DecodeState int

const (
	AwaitingHeader DecodeState = iota
	AwaitingBody
)

func (s DecodeState) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingBody:
		return "awaiting_body"
	default:
		return fmt.Sprintf("decode_state(%d)", int(s))
	}
}

// Decoder reassembles frames from a byte stream for one session.
// It is not safe for concurrent use; the owning session serializes
// calls to Feed.
type Decoder struct {
	reg       *registry.Registry
	cipher    cipher.Cipher
	limits    frame.Limits
	sessionID string

	buf   []byte
	state DecodeState
	need  int
	fatal error
}

func NewDecoder(reg *registry.Registry, c cipher.Cipher, limits frame.Limits, sessionID string) *Decoder {
	if c == nil {
		c = cipher.Noop{}
	}
	if limits.MaxFrameSize < frame.MinLength {
		limits = frame.DefaultLimits()
	}
	return &Decoder{
		reg:       reg,
		cipher:    c,
		limits:    limits,
		sessionID: sessionID,
	}
}

// Feed appends p to the partial buffer and emits every complete frame
// in arrival order. It returns without emitting when a frame is still
// incomplete; the next Feed resumes where this one stopped.
//
// Connection-scoped failures (unknown id, malformed payload) drop the
// frame and go to reject; a non-nil result from reject stops decoding.
// Any returned error is fatal: the decoder keeps returning it and the
// connection must be closed.
func (d *Decoder) Feed(p []byte, key []byte, emit func(Message), reject func(error) error) error {
	if d.fatal != nil {
		return d.fatal
	}
	limit := 2 * int(d.limits.MaxFrameSize)
	for len(p) > 0 {
		room := limit - len(d.buf)
		if room <= 0 {
			return d.fail(fmt.Errorf("%w: partial buffer at %d bytes", protocol.ErrOversizeFrame, len(d.buf)))
		}
		n := min(room, len(p))
		d.buf = append(d.buf, p[:n]...)
		p = p[n:]
		if err := d.drain(key, emit, reject); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) drain(key []byte, emit func(Message), reject func(error) error) error {
	off := 0
	defer func() {
		if d.buf != nil {
			n := copy(d.buf, d.buf[off:])
			d.buf = d.buf[:n]
		}
	}()

	for {
		rest := d.buf[off:]
		if d.state == AwaitingHeader {
			length, ok := frame.PeekLength(rest)
			if !ok {
				return nil
			}
			if err := frame.CheckLength(length, d.limits); err != nil {
				return d.fail(err)
			}
			d.need = frame.LengthFieldLen + int(length)
			d.state = AwaitingBody
		}
		if len(rest) < d.need {
			return nil
		}

		raw := rest[:d.need]
		off += d.need
		d.state = AwaitingHeader
		d.need = 0

		msg, err := d.decodeFrame(raw, key)
		if err != nil {
			if protocol.IsFatal(err) {
				return d.fail(err)
			}
			log.Warn().Str("session", d.sessionID).Err(err).Msg("pipeline.Decoder frame dropped")
			if reject == nil {
				continue
			}
			if rerr := reject(err); rerr != nil {
				return d.fail(rerr)
			}
			continue
		}
		emit(msg)
	}
}

func (d *Decoder) decodeFrame(raw []byte, key []byte) (Message, error) {
	f, err := frame.Decode(raw, d.limits)
	if err != nil {
		return Message{}, err
	}
	sealed := make([]byte, len(f.Payload))
	copy(sealed, f.Payload)

	payload, err := d.cipher.Decrypt(sealed, key)
	if err != nil {
		return Message{}, protocol.NewFrameError(protocol.ErrDecryptFailed, f.ID, err)
	}
	desc, err := d.reg.LookupByID(f.ID)
	if err != nil {
		return Message{}, err
	}
	v, err := decodePayload(desc, payload)
	if err != nil {
		return Message{}, protocol.NewFrameError(protocol.ErrDecodeMalformed, f.ID, err)
	}
	return Message{
		ID:        f.ID,
		Type:      desc.Type,
		Name:      desc.Name,
		Payload:   v,
		SessionID: d.sessionID,
	}, nil
}

func decodePayload(desc *registry.Descriptor, payload []byte) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer panic: %v", r)
		}
	}()
	return desc.Decode(payload)
}

func (d *Decoder) fail(err error) error {
	d.fatal = err
	d.buf = nil
	d.state = AwaitingHeader
	d.need = 0
	log.Error().Str("session", d.sessionID).Err(err).Msg("pipeline.Decoder fatal")
	return err
}

// Reset discards any partial frame. A fatal decoder stays fatal.
func (d *Decoder) Reset() {
	d.buf = nil
	d.state = AwaitingHeader
	d.need = 0
}

func (d *Decoder) State() DecodeState {
	return d.state
}

// Buffered is the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the fatal error that stopped the decoder, if any.
func (d *Decoder) Err() error {
	return d.fatal
}
