// Package registry binds numeric message ids to Go message types.
//
// A Builder collects bindings at startup; Build freezes them into a
// Registry that is shared by reference across sessions and never
// mutated again, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/codec"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateID    = fmt.Errorf("%w: id or type already bound", protocol.ErrDuplicateRegistration)
	ErrRegistryFrozen = errors.New("registry: builder already built")
	ErrNilType        = errors.New("registry: nil message type")
)

// Descriptor is one id <-> type binding with its payload codec.
type Descriptor struct {
	ID   uint32
	Type reflect.Type
	Name string

	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

// Encode serializes v, which must have the descriptor's type.
func (d *Descriptor) Encode(v any) ([]byte, error) {
	return d.encode(v)
}

// Decode deserializes payload into a value of the descriptor's type.
func (d *Descriptor) Decode(payload []byte) (any, error) {
	return d.decode(payload)
}

// Builder accumulates bindings. It is not safe for concurrent use.
type Builder struct {
	byID   map[uint32]*Descriptor
	byType map[reflect.Type]*Descriptor
	errs   []error
	built  bool
}

// NewBuilder returns an empty, unfrozen builder.
func NewBuilder() *Builder {
	return &Builder{
		byID:   make(map[uint32]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

// Register binds id to T using s for payload bytes. On failure the
// builder's existing bindings are untouched.
func Register[T any](b *Builder, id uint32, s codec.Serializer[T]) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	d := &Descriptor{
		ID:   id,
		Type: typ,
		Name: typ.String(),
		encode: func(v any) ([]byte, error) {
			tv, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", protocol.ErrUnregisteredType, v, typ)
			}
			return s.Encode(tv)
		},
		decode: func(payload []byte) (any, error) {
			return s.Decode(payload)
		},
	}
	return b.add(d)
}

func (b *Builder) add(d *Descriptor) error {
	err := b.check(d)
	if err != nil {
		b.errs = append(b.errs, err)
		log.Error().Uint32("msg_id", d.ID).Str("type", d.Name).Err(err).Msg("registry.Register rejected")
		return err
	}
	b.byID[d.ID] = d
	b.byType[d.Type] = d
	log.Debug().Uint32("msg_id", d.ID).Str("type", d.Name).Msg("registry.Register")
	return nil
}

func (b *Builder) check(d *Descriptor) error {
	if b.built {
		return ErrRegistryFrozen
	}
	if d.Type == nil {
		return ErrNilType
	}
	if d.ID == 0 {
		return fmt.Errorf("%w: %d", protocol.ErrReservedID, d.ID)
	}
	if prev, ok := b.byID[d.ID]; ok {
		return fmt.Errorf("%w: id=%d bound to %s", ErrDuplicateID, d.ID, prev.Name)
	}
	if prev, ok := b.byType[d.Type]; ok {
		return fmt.Errorf("%w: type %s bound to id=%d", ErrDuplicateID, d.Name, prev.ID)
	}
	return nil
}

// Build freezes the builder. It returns the joined registration errors
// if any Register call failed; a process must not run with such a
// registry.
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, ErrRegistryFrozen
	}
	b.built = true
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	r := &Registry{
		byID:   make(map[uint32]*Descriptor, len(b.byID)),
		byType: make(map[reflect.Type]*Descriptor, len(b.byType)),
	}
	for id, d := range b.byID {
		r.byID[id] = d
	}
	for typ, d := range b.byType {
		r.byType[typ] = d
	}
	log.Info().Int("bindings", len(r.byID)).Msg("registry.Build frozen")
	return r, nil
}

// MustBuild is Build for startup code that treats registration errors
// as fatal.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Registry is an immutable id <-> type map.
type Registry struct {
	byID   map[uint32]*Descriptor
	byType map[reflect.Type]*Descriptor
}

// LookupByID resolves an inbound message id. Id 0 and unbound ids fail
// with ErrUnknownID; for id 0 the cause is ErrReservedID.
func (r *Registry) LookupByID(id uint32) (*Descriptor, error) {
	if id == 0 {
		return nil, protocol.NewFrameError(protocol.ErrUnknownID, id, protocol.ErrReservedID)
	}
	d, ok := r.byID[id]
	if !ok {
		return nil, protocol.NewFrameError(protocol.ErrUnknownID, id, nil)
	}
	return d, nil
}

// LookupByType resolves an outbound message type, failing with
// ErrUnregisteredType when typ is not bound.
func (r *Registry) LookupByType(typ reflect.Type) (*Descriptor, error) {
	d, ok := r.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUnregisteredType, typ)
	}
	return d, nil
}

// LookupByValue resolves the descriptor for the dynamic type of v.
func (r *Registry) LookupByValue(v any) (*Descriptor, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil message", protocol.ErrUnregisteredType)
	}
	return r.LookupByType(reflect.TypeOf(v))
}

// Len is the number of bindings.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Descriptors returns all bindings ordered by id.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
