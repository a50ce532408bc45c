package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/gamewire/internal/protocol"
)

const (
	// LengthFieldLen is the size of the length prefix.
	LengthFieldLen = 4
	// IDFieldLen is the size of the message id that opens every body.
	IDFieldLen = 4
	// HeaderLen is length + id.
	HeaderLen = LengthFieldLen + IDFieldLen
	// MinLength is the smallest legal length value (empty payload).
	MinLength uint32 = IDFieldLen

	ReservedID uint32 = 0

	DefaultMaxFrameSize uint32 = 64 * 1024
)

var ErrShortHeader = errors.New("frame: short header")

// Frame is one complete wire message: [length:u32][id:u32][payload].
type Frame struct {
	Length  uint32
	ID      uint32
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameSize uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameSize: DefaultMaxFrameSize}
}

// New builds a frame with a consistent length field.
func New(id uint32, payload []byte) Frame {
	return Frame{
		Length:  IDFieldLen + uint32(len(payload)),
		ID:      id,
		Payload: payload,
	}
}

// Size is the total number of bytes the frame occupies on the wire.
func (f Frame) Size() int {
	return HeaderLen + len(f.Payload)
}

// CheckLength validates a declared length against limits.
func CheckLength(length uint32, limits Limits) error {
	if length < MinLength {
		return fmt.Errorf("%w: %d", protocol.ErrInvalidLength, length)
	}
	if length > limits.MaxFrameSize {
		return fmt.Errorf("%w: length=%d max=%d", protocol.ErrOversizeFrame, length, limits.MaxFrameSize)
	}
	return nil
}

// PeekLength reads the length prefix from the start of b.
func PeekLength(b []byte) (uint32, bool) {
	if len(b) < LengthFieldLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[:LengthFieldLen]), true
}

// Append writes f onto dst and returns the extended slice.
func Append(dst []byte, f Frame) []byte {
	var head [HeaderLen]byte
	binary.BigEndian.PutUint32(head[0:4], IDFieldLen+uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(head[4:8], f.ID)
	dst = append(dst, head[:]...)
	return append(dst, f.Payload...)
}

// Encode returns the wire bytes of f.
func Encode(f Frame) []byte {
	return Append(make([]byte, 0, f.Size()), f)
}

// Decode parses exactly one complete frame from b. The payload aliases b.
func Decode(b []byte, limits Limits) (Frame, error) {
	length, ok := PeekLength(b)
	if !ok {
		return Frame{}, ErrShortHeader
	}
	if err := CheckLength(length, limits); err != nil {
		return Frame{}, err
	}
	if uint64(len(b)) != uint64(LengthFieldLen)+uint64(length) {
		return Frame{}, fmt.Errorf("%w: have=%d want=%d", protocol.ErrInvalidLength, len(b), LengthFieldLen+int(length))
	}
	return Frame{
		Length:  length,
		ID:      binary.BigEndian.Uint32(b[4:8]),
		Payload: b[HeaderLen:],
	}, nil
}

// ReadFrame blocks until one frame is read from r. Intended for clients
// and tools; servers use the non-blocking pipeline decoder instead.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var head [HeaderLen]byte
	if _, err := io.ReadFull(r, head[:LengthFieldLen]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(head[:LengthFieldLen])
	if err := CheckLength(length, limits); err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(r, head[LengthFieldLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	payload := make([]byte, length-IDFieldLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{
		Length:  length,
		ID:      binary.BigEndian.Uint32(head[LengthFieldLen:]),
		Payload: payload,
	}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	length := IDFieldLen + uint64(len(f.Payload))
	if length > uint64(limits.MaxFrameSize) {
		return fmt.Errorf("%w: length=%d max=%d", protocol.ErrOversizeFrame, length, limits.MaxFrameSize)
	}
	_, err := w.Write(Encode(f))
	return err
}
