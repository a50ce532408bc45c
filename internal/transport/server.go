package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gamewire/internal/dispatch"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrRegistryRequired   = errors.New("transport: registry required")
	ErrDispatcherRequired = errors.New("transport: dispatcher required")
	ErrServerRunning      = errors.New("transport: server already running")
	ErrIdleTimeout        = errors.New("transport: connection idle")
	ErrShutdown           = errors.New("transport: server shutting down")
)

// KeyProvider yields the session key for a freshly accepted connection.
// Key negotiation happens outside this package; a nil key is valid for
// ciphers that do not need one.
type KeyProvider func(conn net.Conn) ([]byte, error)

// StaticKey hands every connection the same key.
func StaticKey(key []byte) KeyProvider {
	return func(net.Conn) ([]byte, error) { return key, nil }
}

// Options wires a Server to the registry, dispatcher and cipher.
type Options struct {
	Config     Config
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Cipher     cipher.Cipher
	Keys       KeyProvider
}

type liveConn struct {
	conn net.Conn
	out  *connWriter
}

// Server accepts TCP connections and runs one session per connection.
type Server struct {
	cfg    Config
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	cipher cipher.Cipher
	keys   KeyProvider

	running  atomic.Bool
	shutdown atomic.Bool

	connsMu sync.Mutex
	conns   map[*session.Session]liveConn
	connWG  sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, ErrRegistryRequired
	}
	if opts.Dispatcher == nil {
		return nil, ErrDispatcherRequired
	}
	c := opts.Cipher
	if c == nil {
		c = cipher.Noop{}
	}
	keys := opts.Keys
	if keys == nil {
		keys = StaticKey(nil)
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.TLS.validateServer(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		reg:    opts.Registry,
		disp:   opts.Dispatcher,
		cipher: c,
		keys:   keys,
		conns:  make(map[*session.Session]liveConn),
	}, nil
}

func (s *Server) Config() Config { return s.cfg }

func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.disp }

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLS.Enabled).Msg("transport.Server listening")
	return s.Serve(ctx, ln)
}

// Listen opens the configured TCP listener, wrapped in TLS when enabled.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.TLS.serverConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve runs the accept loop on ln until ctx is cancelled or the
// listener fails. On return every connection has been closed, waiting
// up to ShutdownGrace for in-flight work.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	s.shutdown.Store(false)
	observability.RegisterMetrics()
	defer s.running.Store(false)
	defer ln.Close()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		s.shutdown.Store(true)
		_ = ln.Close()
		s.closeAllConns()
	}()

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = err
			}
			break
		}
		s.tune(conn)
		s.connWG.Add(1)
		go s.handleConn(conn)
	}

	s.shutdown.Store(true)
	s.closeAllConns()
	s.waitConns()
	return serveErr
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

func (s *Server) tune(conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(s.cfg.NoDelay); err != nil {
		log.Debug().Err(err).Msg("transport.Server set nodelay")
	}
	if n := s.cfg.SocketBufferBytes; n > 0 {
		_ = tcp.SetReadBuffer(n)
		_ = tcp.SetWriteBuffer(n)
	}
}

// ServeConn runs one connection to completion on the calling goroutine.
// It is used by Serve and by tests that drive a net.Pipe.
func (s *Server) ServeConn(conn net.Conn) {
	s.connWG.Add(1)
	s.handleConn(conn)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	remote := conn.RemoteAddr().String()

	var sess *session.Session
	out := newConnWriter(conn, s.cfg.WriteBufferBytes, s.cfg.WriteTimeout, func(err error) {
		log.Warn().Str("remote", remote).Err(err).Msg("transport.Server write failed")
		sess.Stop(err)
	})
	sess = session.New(session.Options{
		RemoteAddr: remote,
		Config:     s.cfg.Session,
		Registry:   s.reg,
		Cipher:     s.cipher,
		Outbound:   out,
		OnStop: func(error) {
			_ = conn.Close()
		},
		OnFrameError: s.frameError,
	})
	go out.run()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	key, err := s.keys(conn)
	if err == nil {
		err = sess.Open(key)
	}
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		log.Warn().Str("session", sess.ID()).Str("remote", remote).Err(err).Msg("transport.Server session rejected")
		_ = conn.Close()
		out.close()
		sess.Close(err)
		return
	}
	if !s.track(sess, conn, out) {
		_ = conn.Close()
		out.close()
		sess.Close(ErrShutdown)
		return
	}

	observability.SessionOpened()
	log.Info().Str("session", sess.ID()).Str("remote", remote).Msg("transport.Server session open")
	s.disp.Connected(sess)

	reason := s.readLoop(sess, conn)
	if stopReason := sess.Reason(); reason == nil && stopReason != nil {
		reason = stopReason
	}

	_ = conn.Close()
	out.close()
	sess.Close(reason)
	s.untrack(sess)
	label := closeLabel(reason)
	observability.SessionClosed(label)
	log.Info().Str("session", sess.ID()).Str("remote", remote).Str("reason", label).AnErr("err", reason).Msg("transport.Server session closed")
	s.disp.Disconnected(sess)
}

// readLoop feeds inbound bytes to the session until the connection ends.
// A nil result means the peer closed cleanly.
func (s *Server) readLoop(sess *session.Session, conn net.Conn) error {
	buf := make([]byte, s.cfg.ReadChunkBytes)
	emit := func(m pipeline.Message) {
		observability.RecordFrameDecoded(m.Name)
		s.disp.Route(sess, m)
	}
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(buf[:n], emit); ferr != nil {
				observability.RecordFrameError(protocol.Kind(ferr), true)
				log.Warn().Str("session", sess.ID()).Err(ferr).Msg("transport.Server fatal frame error")
				s.disp.ReportError(sess, ferr)
				return ferr
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				return fmt.Errorf("%w: %s", ErrIdleTimeout, s.cfg.IdleTimeout)
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				if s.shutdown.Load() {
					return ErrShutdown
				}
				return nil
			default:
				return err
			}
		}
	}
}

func (s *Server) frameError(sess *session.Session, err error) {
	observability.RecordFrameError(protocol.Kind(err), false)
	log.Debug().Str("session", sess.ID()).Err(err).Msg("transport.Server frame dropped")
	s.disp.ReportError(sess, err)
}

// Send encodes msg onto the session's outbound channel.
func (s *Server) Send(sess *session.Session, msg any) error {
	return s.record(msg, sess.Send(msg))
}

// SendWith sends the message build returns for the session's next
// outbound sequence number.
func (s *Server) SendWith(sess *session.Session, build func(seq uint64) any) error {
	var msg any
	err := sess.SendWith(func(seq uint64) any {
		msg = build(seq)
		return msg
	})
	return s.record(msg, err)
}

func (s *Server) record(msg any, err error) error {
	if err != nil {
		observability.RecordSendFailure(sendFailureKind(err))
		return err
	}
	if desc, err := s.reg.LookupByValue(msg); err == nil {
		observability.RecordFrameEncoded(desc.Name)
	}
	return nil
}

// Broadcast sends msg to every open session and joins the failures.
func (s *Server) Broadcast(msg any) error {
	var errs []error
	for _, sess := range s.Sessions() {
		if err := s.Send(sess, msg); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Sessions returns the sessions currently tracked by the server.
func (s *Server) Sessions() []*session.Session {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*session.Session, 0, len(s.conns))
	for sess := range s.conns {
		out = append(out, sess)
	}
	return out
}

func (s *Server) SessionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Bindings lists the registry for the admin surface.
func (s *Server) Bindings() []observability.Binding {
	descs := s.reg.Descriptors()
	out := make([]observability.Binding, 0, len(descs))
	for _, d := range descs {
		out = append(out, observability.Binding{ID: d.ID, Type: d.Name})
	}
	return out
}

func (s *Server) track(sess *session.Session, conn net.Conn, out *connWriter) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[sess] = liveConn{conn: conn, out: out}
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, sess)
}

// closeAllConns interrupts every tracked connection. The read loops
// then close their sessions.
func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, lc := range s.conns {
		_ = lc.conn.Close()
	}
}

func (s *Server) waitConns() {
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn().Dur("grace", s.cfg.ShutdownGrace).Int("sessions", s.SessionCount()).Msg("transport.Server shutdown grace elapsed")
	}
}

func closeLabel(reason error) string {
	switch {
	case reason == nil:
		return "peer_closed"
	case errors.Is(reason, ErrShutdown):
		return "shutdown"
	case errors.Is(reason, ErrIdleTimeout):
		return "idle"
	case errors.Is(reason, session.ErrTooManyFrameErrors):
		return "frame_errors"
	case protocol.IsFatal(reason):
		return "protocol"
	default:
		return "error"
	}
}

func sendFailureKind(err error) string {
	switch {
	case errors.Is(err, ErrWriteBufferFull):
		return "buffer_full"
	default:
		return protocol.Kind(err)
	}
}
