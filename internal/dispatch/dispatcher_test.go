package dispatch

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/codec"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/testutil/testlog"
)

type pingMessage struct{}

type chatMessage string

type seqMessage int

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder()
	_ = registry.Register(b, 1, codec.Empty[pingMessage]())
	_ = registry.Register(b, 2, codec.Text[chatMessage]())
	_ = registry.Register(b, 3, codec.JSON[seqMessage]())
	return b.MustBuild()
}

func openSession(t *testing.T, reg *registry.Registry) *session.Session {
	t.Helper()
	s := session.New(session.Options{Registry: reg})
	if err := s.Open(nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func msgOf(s *session.Session, id uint32, v any) pipeline.Message {
	return pipeline.Message{
		ID:        id,
		Type:      reflect.TypeOf(v),
		Name:      reflect.TypeOf(v).String(),
		Payload:   v,
		SessionID: s.ID(),
	}
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSink) record(_ *session.Session, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorSink) snapshot() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func TestInlineTypedHandler(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{})
	var got []chatMessage
	Handle(d, func(_ *session.Session, msg chatMessage) error {
		got = append(got, msg)
		return nil
	})
	s := openSession(t, reg)
	d.Route(s, msgOf(s, 2, chatMessage("hi")))
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("got=%v", got)
	}
	if !d.Inline() {
		t.Fatalf("zero workers must dispatch inline")
	}
}

func TestCatchAllAndMissingHandler(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{})
	var sink errorSink
	d.OnError(sink.record)
	s := openSession(t, reg)

	d.Route(s, msgOf(s, 1, pingMessage{}))
	errs := sink.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", errs)
	}

	var fallback []uint32
	d.HandleDefault(func(_ *session.Session, m pipeline.Message) error {
		fallback = append(fallback, m.ID)
		return nil
	})
	d.Route(s, msgOf(s, 1, pingMessage{}))
	if len(fallback) != 1 || fallback[0] != 1 {
		t.Fatalf("catch-all got=%v", fallback)
	}
}

func TestConsumerFailuresAreIsolated(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{})
	var sink errorSink
	d.OnError(sink.record)
	calls := 0
	Handle(d, func(_ *session.Session, msg chatMessage) error {
		calls++
		switch msg {
		case "panic":
			panic("consumer blew up")
		case "fail":
			return errors.New("consumer failed")
		}
		return nil
	})
	s := openSession(t, reg)
	for _, text := range []chatMessage{"panic", "fail", "ok"} {
		d.Route(s, msgOf(s, 2, text))
	}
	if calls != 3 {
		t.Fatalf("handler calls got=%d want=3", calls)
	}
	errs := sink.snapshot()
	if len(errs) != 2 || !errors.Is(errs[0], ErrHandlerPanic) {
		t.Fatalf("reported errors=%v", errs)
	}
	if s.State() != session.StateOpen {
		t.Fatalf("consumer failure changed session state to %s", s.State())
	}
}

func TestListenerPanicDoesNotEscape(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{})
	connected, disconnected := 0, 0
	d.OnConnect(func(*session.Session) { panic("listener bug") })
	d.OnConnect(func(*session.Session) { connected++ })
	d.OnDisconnect(func(*session.Session) { disconnected++ })
	d.OnError(func(*session.Session, error) { panic("error listener bug") })
	s := openSession(t, reg)
	d.Connected(s)
	d.ReportError(s, errors.New("x"))
	s.Close(nil)
	d.Disconnected(s)
	if connected != 1 || disconnected != 1 {
		t.Fatalf("connected=%d disconnected=%d", connected, disconnected)
	}
}

func TestPoolPreservesPerSessionOrderAndSingleFlight(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{Workers: 8, QueueSize: 16})
	defer d.Stop()

	const sessions = 6
	const perSession = 200

	type track struct {
		mu      sync.Mutex
		seen    []int
		active  atomic.Int32
		overlap atomic.Bool
	}
	tracks := make(map[string]*track)
	ss := make([]*session.Session, 0, sessions)
	for i := 0; i < sessions; i++ {
		s := openSession(t, reg)
		ss = append(ss, s)
		tracks[s.ID()] = &track{}
	}

	var wg sync.WaitGroup
	wg.Add(sessions * perSession)
	Handle(d, func(s *session.Session, msg seqMessage) error {
		defer wg.Done()
		tr := tracks[s.ID()]
		if tr.active.Add(1) != 1 {
			tr.overlap.Store(true)
		}
		time.Sleep(time.Microsecond)
		tr.mu.Lock()
		tr.seen = append(tr.seen, int(msg))
		tr.mu.Unlock()
		tr.active.Add(-1)
		return nil
	})

	var feeders sync.WaitGroup
	for _, s := range ss {
		feeders.Add(1)
		go func(s *session.Session) {
			defer feeders.Done()
			for i := 0; i < perSession; i++ {
				d.Route(s, msgOf(s, 3, seqMessage(i)))
			}
		}(s)
	}
	feeders.Wait()
	wg.Wait()

	for id, tr := range tracks {
		if tr.overlap.Load() {
			t.Fatalf("session %s ran callbacks concurrently", id)
		}
		if len(tr.seen) != perSession {
			t.Fatalf("session %s got %d messages", id, len(tr.seen))
		}
		for i, v := range tr.seen {
			if v != i {
				t.Fatalf("session %s out of order at %d: got %d", id, i, v)
			}
		}
	}
}

func TestCloseDrainsPooledWorkAndBlocksLaterCallbacks(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{Workers: 2, QueueSize: 64})
	defer d.Stop()

	var handled atomic.Int32
	release := make(chan struct{})
	Handle(d, func(_ *session.Session, _ seqMessage) error {
		<-release
		handled.Add(1)
		return nil
	})
	s := openSession(t, reg)
	for i := 0; i < 10; i++ {
		d.Route(s, msgOf(s, 3, seqMessage(i)))
	}

	closed := make(chan struct{})
	go func() {
		s.Close(nil)
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close returned with pending dispatch work")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close never drained")
	}
	if handled.Load() != 10 {
		t.Fatalf("drained %d of 10 queued messages", handled.Load())
	}

	d.Route(s, msgOf(s, 3, seqMessage(99)))
	time.Sleep(10 * time.Millisecond)
	if handled.Load() != 10 {
		t.Fatalf("callback fired after session closed")
	}
}

func TestStopRunsQueuedWork(t *testing.T) {
	testlog.Start(t)
	reg := testRegistry(t)
	d := New(Config{Workers: 1, QueueSize: 4})
	var handled atomic.Int32
	Handle(d, func(_ *session.Session, _ chatMessage) error {
		handled.Add(1)
		return nil
	})
	s := openSession(t, reg)
	for i := 0; i < 20; i++ {
		d.Route(s, msgOf(s, 2, chatMessage("x")))
	}
	d.Stop()
	d.Route(s, msgOf(s, 2, chatMessage("after stop")))
	if handled.Load() != 21 {
		t.Fatalf("handled got=%d want=21", handled.Load())
	}
}
