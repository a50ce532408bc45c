package main

import (
	"github.com/danmuck/gamewire/internal/dispatch"
	"github.com/danmuck/gamewire/internal/protocol/codec"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/protocol/tlv"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Demo message ids.
const (
	idPing = 1
	idChat = 2
	idNote = 3
	idMove = 4
)

// Move field ids.
const (
	fieldSeq uint16 = 1
	fieldDX  uint16 = 2
	fieldDY  uint16 = 3
)

// Ping is answered with a Ping.
type Ping struct{}

// Chat is relayed to every connected session.
type Chat string

// Move is a relative position step. The server echoes it stamped with
// the outbound sequence number of the reply.
type Move struct {
	Seq    uint32
	DX, DY int32
}

func moveSerializer() codec.Serializer[Move] {
	return codec.TLV(
		func(m Move) tlv.Fields {
			var fs tlv.Fields
			fs.PutU32(fieldSeq, m.Seq)
			fs.PutI32(fieldDX, m.DX)
			fs.PutI32(fieldDY, m.DY)
			return fs
		},
		func(fs tlv.Fields) (Move, error) {
			seq, _ := fs.U32(fieldSeq)
			dx, _ := fs.I32(fieldDX)
			dy, _ := fs.I32(fieldDY)
			return Move{Seq: seq, DX: dx, DY: dy}, nil
		},
		tlv.Requirement{ID: fieldSeq, Type: tlv.TypeU32},
		tlv.Requirement{ID: fieldDX, Type: tlv.TypeI32},
		tlv.Requirement{ID: fieldDY, Type: tlv.TypeI32},
	)
}

func demoRegistry() (*registry.Registry, error) {
	b := registry.NewBuilder()
	_ = registry.Register(b, idPing, codec.Empty[Ping]())
	_ = registry.Register(b, idChat, codec.Text[Chat]())
	_ = registry.Register(b, idNote, codec.Proto[*wrapperspb.StringValue]())
	_ = registry.Register(b, idMove, moveSerializer())
	return b.Build()
}

func registerDemoHandlers(d *dispatch.Dispatcher, srv *transport.Server) {
	dispatch.Handle(d, func(s *session.Session, _ Ping) error {
		return srv.Send(s, Ping{})
	})
	dispatch.Handle(d, func(s *session.Session, msg Chat) error {
		log.Info().Str("session", s.ID()).Str("text", string(msg)).Msg("chat")
		return srv.Broadcast(msg)
	})
	dispatch.Handle(d, func(s *session.Session, note *wrapperspb.StringValue) error {
		return srv.Send(s, wrapperspb.String("noted: "+note.GetValue()))
	})
	dispatch.Handle(d, func(s *session.Session, m Move) error {
		return srv.SendWith(s, func(seq uint64) any {
			m.Seq = uint32(seq)
			return m
		})
	})
	d.OnConnect(func(s *session.Session) {
		log.Info().Str("session", s.ID()).Str("remote", s.RemoteAddr()).Msg("player connected")
	})
	d.OnDisconnect(func(s *session.Session) {
		log.Info().Str("session", s.ID()).AnErr("reason", s.Reason()).Msg("player disconnected")
	})
	d.OnError(func(s *session.Session, err error) {
		log.Warn().Str("session", s.ID()).Err(err).Msg("session error")
	})
}
