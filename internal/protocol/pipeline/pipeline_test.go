package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/codec"
	"github.com/danmuck/gamewire/internal/protocol/frame"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

type pingMessage struct{}

type chatMessage string

type blobMessage []byte

var (
	pingWire = []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x01}
	chatWire = []byte{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x02, 0x68, 0x69}
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder()
	if err := registry.Register(b, 1, codec.Empty[pingMessage]()); err != nil {
		t.Fatalf("register ping: %v", err)
	}
	if err := registry.Register(b, 2, codec.Text[chatMessage]()); err != nil {
		t.Fatalf("register chat: %v", err)
	}
	blob := codec.Funcs[blobMessage]{
		EncodeFunc: func(v blobMessage) ([]byte, error) { return v, nil },
		DecodeFunc: func(b []byte) (blobMessage, error) { return blobMessage(b), nil },
	}
	if err := registry.Register(b, 3, blob); err != nil {
		t.Fatalf("register blob: %v", err)
	}
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return r
}

type collector struct {
	msgs     []Message
	rejected []error
}

func (c *collector) emit(m Message) { c.msgs = append(c.msgs, m) }

func (c *collector) reject(err error) error {
	c.rejected = append(c.rejected, err)
	return nil
}

func (c *collector) payloads() []any {
	out := make([]any, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Payload)
	}
	return out
}

func newDecoder(t *testing.T) *Decoder {
	return NewDecoder(testRegistry(t), nil, frame.DefaultLimits(), "sess-test")
}

func TestEncodeConcreteScenario(t *testing.T) {
	testlog.Start(t)
	enc := NewEncoder(testRegistry(t), nil, frame.DefaultLimits())
	got, err := enc.Encode(pingMessage{}, nil, Unbounded)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if !bytes.Equal(got, pingWire) {
		t.Fatalf("ping got=% x want=% x", got, pingWire)
	}
	got, err = enc.Encode(chatMessage("hi"), nil, Unbounded)
	if err != nil {
		t.Fatalf("encode chat: %v", err)
	}
	if !bytes.Equal(got, chatWire) {
		t.Fatalf("chat got=% x want=% x", got, chatWire)
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	enc := NewEncoder(reg, nil, frame.DefaultLimits())
	values := []any{pingMessage{}, chatMessage(""), chatMessage("hello world"), blobMessage{0, 1, 2, 255}}
	for _, v := range values {
		wire, err := enc.Encode(v, nil, Unbounded)
		if err != nil {
			t.Fatalf("encode %T: %v", v, err)
		}
		dec := NewDecoder(reg, nil, frame.DefaultLimits(), "s")
		var c collector
		if err := dec.Feed(wire, nil, c.emit, c.reject); err != nil {
			t.Fatalf("feed %T: %v", v, err)
		}
		if len(c.msgs) != 1 {
			t.Fatalf("decoded %d messages for %T", len(c.msgs), v)
		}
		got := c.msgs[0].Payload
		switch want := v.(type) {
		case blobMessage:
			if !bytes.Equal(got.(blobMessage), want) {
				t.Fatalf("blob got=%v want=%v", got, want)
			}
		default:
			if got != v {
				t.Fatalf("round trip got=%#v want=%#v", got, v)
			}
		}
		if c.msgs[0].SessionID != "s" {
			t.Fatalf("session id not attached: %+v", c.msgs[0])
		}
	}
}

func TestSplitAtOffsetsThreeAndNine(t *testing.T) {
	testlog.Start(t)
	stream := append(append([]byte{}, pingWire...), chatWire...)
	chunks := [][]byte{stream[:3], stream[3:9], stream[9:]}

	dec := newDecoder(t)
	var c collector
	for i, chunk := range chunks {
		if err := dec.Feed(chunk, nil, c.emit, c.reject); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if i == 0 && len(c.msgs) != 0 {
			t.Fatalf("emitted before a full frame arrived")
		}
	}
	got := c.payloads()
	if len(got) != 2 || got[0] != (pingMessage{}) || got[1] != chatMessage("hi") {
		t.Fatalf("decoded got=%#v", got)
	}
	if dec.Buffered() != 0 || dec.State() != AwaitingHeader {
		t.Fatalf("decoder not idle: buffered=%d state=%v", dec.Buffered(), dec.State())
	}
}

func TestEverySplitPointDecodesIdentically(t *testing.T) {
	testlog.Start(t)
	stream := append(append([]byte{}, pingWire...), chatWire...)
	for size := 1; size <= len(stream); size++ {
		dec := newDecoder(t)
		var c collector
		for off := 0; off < len(stream); off += size {
			end := min(off+size, len(stream))
			if err := dec.Feed(stream[off:end], nil, c.emit, c.reject); err != nil {
				t.Fatalf("size=%d off=%d: %v", size, off, err)
			}
		}
		got := c.payloads()
		if len(got) != 2 || got[0] != (pingMessage{}) || got[1] != chatMessage("hi") {
			t.Fatalf("size=%d decoded got=%#v", size, got)
		}
	}
}

func TestPipelinedFramesKeepOrder(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	enc := NewEncoder(reg, nil, frame.DefaultLimits())
	var stream []byte
	want := make([]chatMessage, 0, 50)
	for i := 0; i < 50; i++ {
		msg := chatMessage(string(rune('a' + i%26)))
		want = append(want, msg)
		wire, err := enc.Encode(msg, nil, Unbounded)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, wire...)
	}
	dec := NewDecoder(reg, nil, frame.DefaultLimits(), "s")
	var c collector
	if err := dec.Feed(stream, nil, c.emit, c.reject); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(c.msgs) != len(want) {
		t.Fatalf("decoded %d want %d", len(c.msgs), len(want))
	}
	for i, m := range c.msgs {
		if m.Payload != want[i] {
			t.Fatalf("message %d got=%v want=%v", i, m.Payload, want[i])
		}
	}
}

func TestLargeChunkIsSlicedWithinBufferBound(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	limits := frame.Limits{MaxFrameSize: 64}
	enc := NewEncoder(reg, nil, limits)
	var stream []byte
	for i := 0; i < 20; i++ {
		wire, err := enc.Encode(blobMessage(bytes.Repeat([]byte{byte(i)}, 60)), nil, Unbounded)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, wire...)
	}
	if len(stream) <= 2*int(limits.MaxFrameSize) {
		t.Fatalf("stream too small to exercise slicing: %d", len(stream))
	}
	dec := NewDecoder(reg, nil, limits, "s")
	var c collector
	if err := dec.Feed(stream, nil, c.emit, c.reject); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(c.msgs) != 20 {
		t.Fatalf("decoded %d want 20", len(c.msgs))
	}
	if dec.Buffered() > 2*int(limits.MaxFrameSize) {
		t.Fatalf("buffer exceeded bound: %d", dec.Buffered())
	}
}

func TestOversizeFrameIsFatalAfterHeaderOnly(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(testRegistry(t), nil, frame.Limits{MaxFrameSize: 16}, "s")
	var c collector
	err := dec.Feed([]byte{0x00, 0x00, 0x00, 0x11}, nil, c.emit, c.reject)
	if !errors.Is(err, protocol.ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("buffer kept %d bytes after fatal error", dec.Buffered())
	}
	err = dec.Feed(pingWire, nil, c.emit, c.reject)
	if !errors.Is(err, protocol.ErrOversizeFrame) {
		t.Fatalf("fatal decoder resumed: %v", err)
	}
	if len(c.msgs) != 0 {
		t.Fatalf("emitted after fatal error: %d", len(c.msgs))
	}
}

func TestLengthBelowMinimumIsFatal(t *testing.T) {
	testlog.Start(t)
	dec := newDecoder(t)
	var c collector
	err := dec.Feed([]byte{0, 0, 0, 2, 0, 0}, nil, c.emit, c.reject)
	if !errors.Is(err, protocol.ErrInvalidLength) || !protocol.IsFatal(err) {
		t.Fatalf("expected fatal ErrInvalidLength, got %v", err)
	}
}

func TestUnknownIDDoesNotCorruptStream(t *testing.T) {
	testlog.Start(t)
	unknown := frame.Encode(frame.New(99, []byte("zz")))
	stream := append(append([]byte{}, unknown...), chatWire...)
	dec := newDecoder(t)
	var c collector
	if err := dec.Feed(stream, nil, c.emit, c.reject); err != nil {
		t.Fatalf("unknown id must not be fatal: %v", err)
	}
	if len(c.rejected) != 1 || !errors.Is(c.rejected[0], protocol.ErrUnknownID) {
		t.Fatalf("rejected got=%v", c.rejected)
	}
	var fe *protocol.FrameError
	if !errors.As(c.rejected[0], &fe) || fe.ID != 99 {
		t.Fatalf("frame error missing id: %v", c.rejected[0])
	}
	if len(c.msgs) != 1 || c.msgs[0].Payload != chatMessage("hi") {
		t.Fatalf("valid frame after unknown id not decoded: %+v", c.msgs)
	}
}

func TestReservedIDIsProtocolViolation(t *testing.T) {
	testlog.Start(t)
	dec := newDecoder(t)
	var c collector
	if err := dec.Feed(frame.Encode(frame.New(0, nil)), nil, c.emit, c.reject); err != nil {
		t.Fatalf("reserved id should be connection-scoped: %v", err)
	}
	if len(c.rejected) != 1 || !errors.Is(c.rejected[0], protocol.ErrReservedID) {
		t.Fatalf("rejected got=%v", c.rejected)
	}
	if protocol.Kind(c.rejected[0]) != "reserved_id" {
		t.Fatalf("kind got=%s", protocol.Kind(c.rejected[0]))
	}
}

func TestMalformedPayloadIsConnectionScoped(t *testing.T) {
	testlog.Start(t)
	bad := frame.Encode(frame.New(1, []byte{0xde, 0xad}))
	stream := append(append([]byte{}, bad...), pingWire...)
	dec := newDecoder(t)
	var c collector
	if err := dec.Feed(stream, nil, c.emit, c.reject); err != nil {
		t.Fatalf("malformed payload must not be fatal: %v", err)
	}
	if len(c.rejected) != 1 || !errors.Is(c.rejected[0], protocol.ErrDecodeMalformed) {
		t.Fatalf("rejected got=%v", c.rejected)
	}
	if len(c.msgs) != 1 {
		t.Fatalf("following frame not decoded")
	}
}

func TestRejectEscalationStopsDecoding(t *testing.T) {
	testlog.Start(t)
	unknown := frame.Encode(frame.New(99, nil))
	stream := append(append([]byte{}, unknown...), pingWire...)
	dec := newDecoder(t)
	var c collector
	stop := errors.New("too many errors")
	err := dec.Feed(stream, nil, c.emit, func(error) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected escalation error, got %v", err)
	}
	if len(c.msgs) != 0 {
		t.Fatalf("decoded after escalation: %d", len(c.msgs))
	}
	if !errors.Is(dec.Err(), stop) {
		t.Fatalf("decoder not poisoned: %v", dec.Err())
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	key := bytes.Repeat([]byte{7}, 32)
	enc := NewEncoder(reg, cipher.XChaCha{}, frame.DefaultLimits())
	wire, err := enc.Encode(chatMessage("secret"), key, Unbounded)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(wire, []byte("secret")) {
		t.Fatalf("payload not encrypted")
	}
	dec := NewDecoder(reg, cipher.XChaCha{}, frame.DefaultLimits(), "s")
	var c collector
	if err := dec.Feed(wire, key, c.emit, c.reject); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(c.msgs) != 1 || c.msgs[0].Payload != chatMessage("secret") {
		t.Fatalf("decoded got=%+v", c.msgs)
	}
}

func TestDecryptFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	enc := NewEncoder(reg, cipher.XChaCha{}, frame.DefaultLimits())
	wire, err := enc.Encode(chatMessage("secret"), bytes.Repeat([]byte{7}, 32), Unbounded)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := NewDecoder(reg, cipher.XChaCha{}, frame.DefaultLimits(), "s")
	var c collector
	err = dec.Feed(append(wire, pingWire...), bytes.Repeat([]byte{8}, 32), c.emit, c.reject)
	if !errors.Is(err, protocol.ErrDecryptFailed) || !protocol.IsFatal(err) {
		t.Fatalf("expected fatal ErrDecryptFailed, got %v", err)
	}
	if len(c.msgs) != 0 || len(c.rejected) != 0 {
		t.Fatalf("decoder continued after decrypt failure")
	}
}

func TestEncoderFailuresAreValues(t *testing.T) {
	testlog.Start(t)
	enc := NewEncoder(testRegistry(t), nil, frame.Limits{MaxFrameSize: 16})

	if _, err := enc.Encode(struct{ X int }{1}, nil, Unbounded); !errors.Is(err, protocol.ErrUnregisteredType) {
		t.Fatalf("expected ErrUnregisteredType, got %v", err)
	}
	if _, err := enc.Encode(chatMessage("hi"), nil, 9); !errors.Is(err, protocol.ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame for capacity, got %v", err)
	}
	if _, err := enc.Encode(chatMessage("hi"), nil, 10); err != nil {
		t.Fatalf("exact capacity rejected: %v", err)
	}
	if _, err := enc.Encode(blobMessage(make([]byte, 13)), nil, Unbounded); !errors.Is(err, protocol.ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame for max frame size, got %v", err)
	}
}

func TestEncoderRecoversSerializerPanic(t *testing.T) {
	testlog.Start(t)
	b := registry.NewBuilder()
	type boom struct{}
	_ = registry.Register(b, 5, codec.Funcs[boom]{
		EncodeFunc: func(boom) ([]byte, error) { panic("bad serializer") },
		DecodeFunc: func([]byte) (boom, error) { return boom{}, nil },
	})
	enc := NewEncoder(b.MustBuild(), nil, frame.DefaultLimits())
	if _, err := enc.Encode(boom{}, nil, Unbounded); !errors.Is(err, protocol.ErrEncodeFailed) {
		t.Fatalf("expected ErrEncodeFailed, got %v", err)
	}
}
