package registry

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/codec"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

type ping struct{}

type chat string

type move struct {
	X int `json:"x"`
}

func TestRegisterAndLookup(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	if err := Register(b, 1, codec.Empty[ping]()); err != nil {
		t.Fatalf("register ping: %v", err)
	}
	if err := Register(b, 2, codec.Text[chat]()); err != nil {
		t.Fatalf("register chat: %v", err)
	}
	r, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	d, err := r.LookupByID(2)
	if err != nil {
		t.Fatalf("lookup id: %v", err)
	}
	if d.Type != reflect.TypeOf((*chat)(nil)).Elem() {
		t.Fatalf("type got=%v", d.Type)
	}
	d, err = r.LookupByValue(ping{})
	if err != nil {
		t.Fatalf("lookup value: %v", err)
	}
	if d.ID != 1 {
		t.Fatalf("id got=%d want=1", d.ID)
	}
	if r.Len() != 2 {
		t.Fatalf("len got=%d", r.Len())
	}
	ds := r.Descriptors()
	if len(ds) != 2 || ds[0].ID != 1 || ds[1].ID != 2 {
		t.Fatalf("descriptors not ordered by id: %+v", ds)
	}
}

func TestRegisterDuplicateIDKeepsPriorBinding(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	if err := Register(b, 1, codec.Empty[ping]()); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := Register(b, 1, codec.Text[chat]())
	if !errors.Is(err, ErrDuplicateID) || !errors.Is(err, protocol.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if d := b.byID[1]; d.Type != reflect.TypeOf((*ping)(nil)).Elem() {
		t.Fatalf("prior binding replaced: %v", d.Type)
	}
	if _, ok := b.byType[reflect.TypeOf((*chat)(nil)).Elem()]; ok {
		t.Fatalf("failed registration leaked a type binding")
	}
	if _, err := b.Build(); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("build must surface registration errors, got %v", err)
	}
}

func TestRegisterDuplicateTypeRejected(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	if err := Register(b, 1, codec.Empty[ping]()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(b, 9, codec.Empty[ping]()); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID for rebound type, got %v", err)
	}
	if _, ok := b.byID[9]; ok {
		t.Fatalf("failed registration leaked an id binding")
	}
}

func TestRegisterReservedID(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	if err := Register(b, 0, codec.Empty[ping]()); !errors.Is(err, protocol.ErrReservedID) {
		t.Fatalf("expected ErrReservedID, got %v", err)
	}
}

func TestBuilderFreezes(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	_ = Register(b, 1, codec.Empty[ping]())
	r := b.MustBuild()
	if err := Register(b, 2, codec.JSON[move]()); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if _, err := r.LookupByID(2); !errors.Is(err, protocol.ErrUnknownID) {
		t.Fatalf("frozen registry changed after build")
	}
}

func TestLookupFailures(t *testing.T) {
	testlog.Start(t)
	r := NewBuilder().MustBuild()
	_, err := r.LookupByID(77)
	var fe *protocol.FrameError
	if !errors.As(err, &fe) || fe.ID != 77 || !errors.Is(err, protocol.ErrUnknownID) {
		t.Fatalf("expected unknown id frame error, got %v", err)
	}
	if _, err := r.LookupByID(0); !errors.Is(err, protocol.ErrReservedID) {
		t.Fatalf("expected reserved id error, got %v", err)
	}
	if _, err := r.LookupByValue(move{}); !errors.Is(err, protocol.ErrUnregisteredType) {
		t.Fatalf("expected ErrUnregisteredType, got %v", err)
	}
	if _, err := r.LookupByValue(nil); !errors.Is(err, protocol.ErrUnregisteredType) {
		t.Fatalf("expected ErrUnregisteredType for nil, got %v", err)
	}
}

func TestDescriptorEncodeRejectsWrongType(t *testing.T) {
	testlog.Start(t)
	b := NewBuilder()
	_ = Register(b, 2, codec.Text[chat]())
	r := b.MustBuild()
	d, _ := r.LookupByID(2)
	if _, err := d.Encode("plain string"); !errors.Is(err, protocol.ErrUnregisteredType) {
		t.Fatalf("expected type mismatch error, got %v", err)
	}
}
