// Package tlv encodes structured payloads as typed fields:
// [field id u16][type u8][length u32][value]. Decoding keeps fields it
// does not recognize so older peers can skip additions.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

// Field value types.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI32    uint8 = 8
	TypeF32    uint8 = 9
)

var fixedWidth = map[uint8]int{
	TypeU8:   1,
	TypeU16:  2,
	TypeU32:  4,
	TypeU64:  8,
	TypeBool: 1,
	TypeI32:  4,
	TypeF32:  4,
}

// Field is one encoded field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// Fields is an ordered field list. The Put methods append; the typed
// getters return the first field with the id.
type Fields []Field

func (fs *Fields) PutU32(id uint16, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	*fs = append(*fs, Field{ID: id, Type: TypeU32, Value: b})
}

func (fs *Fields) PutU64(id uint16, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	*fs = append(*fs, Field{ID: id, Type: TypeU64, Value: b})
}

func (fs *Fields) PutI32(id uint16, v int32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	*fs = append(*fs, Field{ID: id, Type: TypeI32, Value: b})
}

func (fs *Fields) PutF32(id uint16, v float32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
	*fs = append(*fs, Field{ID: id, Type: TypeF32, Value: b})
}

func (fs *Fields) PutBool(id uint16, v bool) {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	*fs = append(*fs, Field{ID: id, Type: TypeBool, Value: b})
}

func (fs *Fields) PutString(id uint16, v string) {
	*fs = append(*fs, Field{ID: id, Type: TypeString, Value: []byte(v)})
}

func (fs *Fields) PutBytes(id uint16, v []byte) {
	*fs = append(*fs, Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)})
}

func AppendField(dst []byte, f Field) []byte {
	var head [HeaderLen]byte
	binary.BigEndian.PutUint16(head[0:2], f.ID)
	head[2] = f.Type
	binary.BigEndian.PutUint32(head[3:7], uint32(len(f.Value)))
	dst = append(dst, head[:]...)
	return append(dst, f.Value...)
}

func Encode(fs Fields) []byte {
	size := 0
	for _, f := range fs {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fs {
		out = AppendField(out, f)
	}
	return out
}

// Decode splits payload into fields. Values are copied out of payload.
func Decode(payload []byte) (Fields, error) {
	var fields Fields
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrShortFieldValue, id, l, len(payload)-i)
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) typed(id uint16, want uint8) ([]byte, error) {
	f, ok := fs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != want {
		return nil, fmt.Errorf("%w: field %d got %d want %d", ErrFieldType, id, f.Type, want)
	}
	if n, fixed := fixedWidth[want]; fixed && len(f.Value) != n {
		return nil, fmt.Errorf("%w: field %d has %d bytes, want %d", ErrShortFieldValue, id, len(f.Value), n)
	}
	return f.Value, nil
}

func (fs Fields) U32(id uint16) (uint32, error) {
	b, err := fs.typed(id, TypeU32)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (fs Fields) U64(id uint16) (uint64, error) {
	b, err := fs.typed(id, TypeU64)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (fs Fields) I32(id uint16) (int32, error) {
	b, err := fs.typed(id, TypeI32)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (fs Fields) F32(id uint16) (float32, error) {
	b, err := fs.typed(id, TypeF32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (fs Fields) Bool(id uint16) (bool, error) {
	b, err := fs.typed(id, TypeBool)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (fs Fields) String(id uint16) (string, error) {
	b, err := fs.typed(id, TypeString)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (fs Fields) Bytes(id uint16) ([]byte, error) {
	return fs.typed(id, TypeBytes)
}

// Requirement names a field a message must carry.
type Requirement struct {
	ID   uint16
	Type uint8
}

// Require checks that every requirement is present with the right type
// and joins all violations.
func (fs Fields) Require(reqs ...Requirement) error {
	var errs []error
	for _, r := range reqs {
		if _, err := fs.typed(r.ID, r.Type); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
