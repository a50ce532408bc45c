package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder     = errors.New("session: invalid lifecycle transition")
	ErrTooManyFrameErrors = errors.New("session: frame error rate exceeded")
	ErrNoOutbound         = errors.New("session: no outbound channel")
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outbound is the write side of a connection.
type Outbound interface {
	// Capacity is the number of bytes the channel can accept right now;
	// pipeline.Unbounded disables the check.
	Capacity() int
	Write(frame []byte) error
}

// Options wires a session to its collaborators.
type Options struct {
	ID         string
	RemoteAddr string
	Config     Config
	Registry   *registry.Registry
	Cipher     cipher.Cipher
	Outbound   Outbound
	// OnStop is asked to tear the connection down, interrupting reads.
	OnStop func(reason error)
	// OnFrameError observes connection-scoped frame errors.
	OnFrameError func(s *Session, err error)
}

// Session is the server-side state of one live connection.
type Session struct {
	id         string
	remoteAddr string
	cfg        Config
	createdAt  time.Time

	mu     sync.RWMutex
	state  State
	key    []byte
	reason error

	decodeMu sync.Mutex
	dec      *pipeline.Decoder

	sendMu sync.Mutex
	enc    *pipeline.Encoder
	out    Outbound

	inflight sync.WaitGroup
	seq      atomic.Uint64
	errs     *errorWindow

	onStop       func(error)
	onFrameError func(*Session, error)
	stopOnce     sync.Once
	closed       chan struct{}
}

// New creates a session in the Connecting state.
func New(opts Options) *Session {
	cfg := opts.Config.WithDefaults()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := opts.Cipher
	if c == nil {
		c = cipher.Noop{}
	}
	s := &Session{
		id:           id,
		remoteAddr:   opts.RemoteAddr,
		cfg:          cfg,
		createdAt:    time.Now(),
		state:        StateConnecting,
		dec:          pipeline.NewDecoder(opts.Registry, c, cfg.Limits(), id),
		enc:          pipeline.NewEncoder(opts.Registry, c, cfg.Limits()),
		out:          opts.Outbound,
		errs:         newErrorWindow(cfg.MaxFrameErrors, cfg.FrameErrorWindow),
		onStop:       opts.OnStop,
		onFrameError: opts.OnFrameError,
		closed:       make(chan struct{}),
	}
	log.Debug().Str("session", id).Str("remote", opts.RemoteAddr).Msg("session.New")
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.remoteAddr }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason is the first cause passed to Stop or Close.
func (s *Session) Reason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Seq is the number of frames sent so far.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// NextSeq returns the next outbound sequence number, starting at 1.
func (s *Session) NextSeq() uint64 {
	return s.seq.Add(1)
}

// Open installs the negotiated key and moves Connecting -> Open. A nil
// key is valid when the cipher does not need one.
func (s *Session) Open(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return transitionError(s.state, StateOpen)
	}
	if len(key) > 0 {
		s.key = make([]byte, len(key))
		copy(s.key, key)
	}
	s.state = StateOpen
	log.Debug().Str("session", s.id).Msg("session.Open")
	return nil
}

// Feed runs the decoder over newly arrived bytes and hands each decoded
// message to emit in arrival order. Calls are serialized per session.
// A returned error is connection-fatal.
func (s *Session) Feed(p []byte, emit func(pipeline.Message)) error {
	s.decodeMu.Lock()
	defer s.decodeMu.Unlock()

	s.mu.RLock()
	state, key := s.state, s.key
	s.mu.RUnlock()
	if state != StateOpen {
		return fmt.Errorf("%w: state=%s", protocol.ErrSessionClosed, state)
	}
	return s.dec.Feed(p, key, emit, s.rejectFrame)
}

func (s *Session) rejectFrame(err error) error {
	if s.onFrameError != nil {
		s.onFrameError(s, err)
	}
	count, exceeded := s.errs.Record(time.Now())
	if !exceeded {
		return nil
	}
	log.Warn().
		Str("session", s.id).
		Int("errors", count).
		Dur("window", s.cfg.FrameErrorWindow).
		Msg("session frame error limit exceeded")
	return fmt.Errorf("%w: %d errors within %s", ErrTooManyFrameErrors, count, s.cfg.FrameErrorWindow)
}

// Send encodes msg and queues it on the outbound channel. Encoder
// failures come back as errors; nothing is retried.
func (s *Session) Send(msg any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(msg)
}

// SendWith builds the message from the sequence number it will be sent
// under and sends it. No other Send on this session can take that
// number in between. On failure the number is not consumed.
func (s *Session) SendWith(build func(seq uint64) any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(build(s.seq.Load() + 1))
}

func (s *Session) sendLocked(msg any) error {
	s.mu.RLock()
	state, key := s.state, s.key
	s.mu.RUnlock()
	if state != StateOpen {
		return fmt.Errorf("%w: state=%s", protocol.ErrSessionClosed, state)
	}
	if s.out == nil {
		return ErrNoOutbound
	}
	b, err := s.enc.Encode(msg, key, s.out.Capacity())
	if err != nil {
		return err
	}
	if err := s.out.Write(b); err != nil {
		return err
	}
	s.seq.Add(1)
	return nil
}

// Begin registers one unit of dispatch work. It fails once the session
// has left Open; Close waits for every successful Begin to call End.
func (s *Session) Begin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateOpen {
		return false
	}
	s.inflight.Add(1)
	return true
}

// End releases one unit of work registered with Begin.
func (s *Session) End() {
	s.inflight.Done()
}

// Stop asks the transport to tear the connection down. It returns
// immediately and is safe to call from consumer callbacks.
func (s *Session) Stop(reason error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.reason == nil {
			s.reason = reason
		}
		s.mu.Unlock()
		log.Debug().Str("session", s.id).AnErr("reason", reason).Msg("session.Stop")
		if s.onStop != nil {
			s.onStop(reason)
		}
	})
}

// Close moves the session through Closing to Closed: it interrupts the
// connection, waits for in-flight dispatch work, then releases the
// partial buffer and key. It returns false if the session was already
// closing. Close must not be called from a consumer callback of the
// same session; use Stop there.
func (s *Session) Close(reason error) bool {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	if s.reason == nil {
		s.reason = reason
	}
	s.mu.Unlock()

	s.Stop(reason)
	s.inflight.Wait()

	s.decodeMu.Lock()
	s.dec.Reset()
	s.decodeMu.Unlock()

	s.sendMu.Lock()
	s.mu.Lock()
	clear(s.key)
	s.key = nil
	s.state = StateClosed
	s.mu.Unlock()
	s.sendMu.Unlock()

	close(s.closed)
	log.Debug().Str("session", s.id).AnErr("reason", reason).Msg("session.Close")
	return true
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
