package codec

import (
	"google.golang.org/protobuf/proto"
)

// Proto serializes generated protobuf messages. T is the pointer type,
// e.g. *pb.Move.
func Proto[T proto.Message]() Serializer[T] {
	return protoSerializer[T]{}
}

type protoSerializer[T proto.Message] struct{}

func (protoSerializer[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (protoSerializer[T]) Decode(b []byte) (T, error) {
	var zero T
	out, ok := zero.ProtoReflect().Type().New().Interface().(T)
	if !ok {
		return zero, proto.Error
	}
	if err := proto.Unmarshal(b, out); err != nil {
		return zero, err
	}
	return out, nil
}
