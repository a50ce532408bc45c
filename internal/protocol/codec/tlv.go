package codec

import (
	"github.com/danmuck/gamewire/internal/protocol/tlv"
)

// TLV serializes T as typed fields. decode receives fields already
// checked against required.
func TLV[T any](encode func(T) tlv.Fields, decode func(tlv.Fields) (T, error), required ...tlv.Requirement) Serializer[T] {
	return Funcs[T]{
		EncodeFunc: func(v T) ([]byte, error) {
			return tlv.Encode(encode(v)), nil
		},
		DecodeFunc: func(b []byte) (T, error) {
			var zero T
			fields, err := tlv.Decode(b)
			if err != nil {
				return zero, err
			}
			if err := fields.Require(required...); err != nil {
				return zero, err
			}
			return decode(fields)
		},
	}
}
