package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownID             = errors.New("protocol: unknown message id")
	ErrReservedID            = errors.New("protocol: reserved message id")
	ErrOversizeFrame         = errors.New("protocol: frame too large")
	ErrInvalidLength         = errors.New("protocol: invalid frame length")
	ErrDecryptFailed         = errors.New("protocol: payload decrypt failed")
	ErrEncryptFailed         = errors.New("protocol: payload encrypt failed")
	ErrDecodeMalformed       = errors.New("protocol: malformed payload")
	ErrEncodeFailed          = errors.New("protocol: payload encode failed")
	ErrDuplicateRegistration = errors.New("protocol: duplicate registration")
	ErrUnregisteredType      = errors.New("protocol: unregistered message type")
	ErrSessionClosed         = errors.New("protocol: session closed")
)

// FrameError attaches the offending message id to a per-frame failure.
// Kind is one of the sentinel errors above; Err is the underlying cause.
type FrameError struct {
	Kind error
	ID   uint32
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: id=%d", e.Kind, e.ID)
	}
	return fmt.Sprintf("%v: id=%d: %v", e.Kind, e.ID, e.Err)
}

func (e *FrameError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewFrameError(kind error, id uint32, cause error) *FrameError {
	return &FrameError{Kind: kind, ID: id, Err: cause}
}

// IsFatal reports whether err leaves the stream at an untrusted offset.
// Fatal errors close the connection without resynchronization.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOversizeFrame),
		errors.Is(err, ErrInvalidLength),
		errors.Is(err, ErrDecryptFailed),
		errors.Is(err, ErrSessionClosed):
		return true
	default:
		return false
	}
}

// Kind returns a short metrics label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrReservedID):
		return "reserved_id"
	case errors.Is(err, ErrUnknownID):
		return "unknown_id"
	case errors.Is(err, ErrOversizeFrame):
		return "oversize_frame"
	case errors.Is(err, ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, ErrDecryptFailed):
		return "decrypt"
	case errors.Is(err, ErrEncryptFailed):
		return "encrypt"
	case errors.Is(err, ErrDecodeMalformed):
		return "decode_malformed"
	case errors.Is(err, ErrEncodeFailed):
		return "encode"
	case errors.Is(err, ErrDuplicateRegistration):
		return "duplicate_registration"
	case errors.Is(err, ErrUnregisteredType):
		return "unregistered_type"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}
