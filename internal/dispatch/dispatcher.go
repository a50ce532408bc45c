package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoHandler    = errors.New("dispatch: no handler for message")
	ErrHandlerPanic = errors.New("dispatch: handler panic")
	ErrPayloadType  = errors.New("dispatch: payload type mismatch")
)

// HandlerFunc consumes one decoded message.
type HandlerFunc func(s *session.Session, m pipeline.Message) error

// SessionFunc observes connect/disconnect events.
type SessionFunc func(s *session.Session)

// ErrorFunc observes consumer, frame, and connection errors.
type ErrorFunc func(s *session.Session, err error)

// Config selects inline or pooled execution. Workers == 0 runs handlers
// on the caller's goroutine.
type Config struct {
	Workers int
	// QueueSize bounds both the shared pool queue and each session strand.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Workers:   runtime.NumCPU(),
		QueueSize: 1024,
	}
}

type Dispatcher struct {
	cfg Config

	mu           sync.RWMutex
	handlers     map[reflect.Type]HandlerFunc
	fallback     HandlerFunc
	onConnect    []SessionFunc
	onDisconnect []SessionFunc
	onError      []ErrorFunc

	pool    *pool
	strands sync.Map
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	d := &Dispatcher{
		cfg:      cfg,
		handlers: make(map[reflect.Type]HandlerFunc),
	}
	if cfg.Workers > 0 {
		d.pool = newPool(cfg.Workers, cfg.QueueSize)
	}
	log.Debug().Int("workers", cfg.Workers).Int("queue", cfg.QueueSize).Msg("dispatch.New")
	return d
}

// Handle registers fn for messages whose payload type is T, replacing
// any previous handler for T.
func Handle[T any](d *Dispatcher, fn func(s *session.Session, msg T) error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	d.HandleType(typ, func(s *session.Session, m pipeline.Message) error {
		v, ok := m.Payload.(T)
		if !ok {
			return fmt.Errorf("%w: got %T want %s", ErrPayloadType, m.Payload, typ)
		}
		return fn(s, v)
	})
}

// HandleType registers h for a payload type tag.
func (d *Dispatcher) HandleType(typ reflect.Type, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// HandleDefault registers the catch-all consumer for types without a
// dedicated handler.
func (d *Dispatcher) HandleDefault(h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

func (d *Dispatcher) OnConnect(fn SessionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = append(d.onConnect, fn)
}

func (d *Dispatcher) OnDisconnect(fn SessionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

func (d *Dispatcher) OnError(fn ErrorFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = append(d.onError, fn)
}

// Route delivers m to its consumer. Messages for a session that is no
// longer open are dropped.
func (d *Dispatcher) Route(s *session.Session, m pipeline.Message) {
	if !s.Begin() {
		log.Debug().Str("session", s.ID()).Uint32("msg_id", m.ID).Msg("dispatch.Route dropped: session not open")
		return
	}
	task := func() {
		defer s.End()
		d.invoke(s, m)
	}
	if d.pool == nil {
		task()
		return
	}
	d.strandFor(s).push(task)
}

func (d *Dispatcher) strandFor(s *session.Session) *strand {
	if st, ok := d.strands.Load(s); ok {
		return st.(*strand)
	}
	st, _ := d.strands.LoadOrStore(s, newStrand(d.pool, d.cfg.QueueSize))
	return st.(*strand)
}

func (d *Dispatcher) invoke(s *session.Session, m pipeline.Message) {
	d.mu.RLock()
	h, ok := d.handlers[m.Type]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()

	if h == nil {
		d.ReportError(s, fmt.Errorf("%w: %s id=%d", ErrNoHandler, m.Name, m.ID))
		return
	}

	start := time.Now()
	err := safeCall(h, s, m)
	observability.RecordDispatch(time.Since(start), err != nil)
	if err != nil {
		d.ReportError(s, fmt.Errorf("dispatch: %s id=%d: %w", m.Name, m.ID, err))
	}
}

func safeCall(h HandlerFunc, s *session.Session, m pipeline.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(s, m)
}

// Connected runs connect listeners for s.
func (d *Dispatcher) Connected(s *session.Session) {
	d.mu.RLock()
	listeners := append([]SessionFunc(nil), d.onConnect...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		d.notify("connect", s, func() { fn(s) })
	}
}

// Disconnected runs disconnect listeners and forgets the session strand.
// Call it after the session is closed.
func (d *Dispatcher) Disconnected(s *session.Session) {
	d.strands.Delete(s)
	d.mu.RLock()
	listeners := append([]SessionFunc(nil), d.onDisconnect...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		d.notify("disconnect", s, func() { fn(s) })
	}
}

// ReportError hands err to the error listeners, or logs it when none
// are registered.
func (d *Dispatcher) ReportError(s *session.Session, err error) {
	d.mu.RLock()
	listeners := append([]ErrorFunc(nil), d.onError...)
	d.mu.RUnlock()
	if len(listeners) == 0 {
		log.Error().Str("session", s.ID()).Err(err).Msg("dispatch error")
		return
	}
	for _, fn := range listeners {
		d.notify("error", s, func() { fn(s, err) })
	}
}

func (d *Dispatcher) notify(event string, s *session.Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session", s.ID()).Str("listener", event).Interface("panic", r).Msg("dispatch listener panic")
		}
	}()
	fn()
}

// Stop runs all queued work and stops the worker pool. Messages routed
// afterwards run on the caller's goroutine.
func (d *Dispatcher) Stop() {
	if d.pool != nil {
		d.pool.stop()
	}
}

// Inline reports whether handlers run on the caller's goroutine.
func (d *Dispatcher) Inline() bool {
	return d.pool == nil
}
