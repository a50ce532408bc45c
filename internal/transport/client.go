package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/pipeline"
	"github.com/danmuck/gamewire/internal/protocol/registry"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("transport: address required")
	ErrClientClosed    = errors.New("transport: client closed")
)

type ClientConfig struct {
	Addr               string
	Session            session.Config
	ConnectTimeout     time.Duration
	IOTimeout          time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
	TLS                TLSConfig
	Cipher             cipher.Cipher
	Key                []byte
	// KeyLabel derives Key from the TLS session instead, matching a
	// server using TLSExporterKey with the same label.
	KeyLabel string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:            session.DefaultConfig(),
		ConnectTimeout:     5 * time.Second,
		IOTimeout:          15 * time.Second,
		MaxConnectAttempts: 5,
		Backoff:            DefaultBackoff(),
	}
}

// Client is a blocking peer for tools and tests. It speaks the same
// wire format as the server using the shared registry.
type Client struct {
	cfg  ClientConfig
	conn net.Conn
	enc  *pipeline.Encoder
	dec  *pipeline.Decoder
	buf  []byte

	sendMu sync.Mutex

	recvMu sync.Mutex
	inbox  []received
	fatal  error
}

// Dial connects to cfg.Addr, retrying with backoff until
// MaxConnectAttempts is reached or ctx ends.
func Dial(ctx context.Context, cfg ClientConfig, reg *registry.Registry) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Cipher == nil {
		cfg.Cipher = cipher.Noop{}
	}
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled || cfg.TLS.Mutual {
		var err error
		if tlsCfg, err = cfg.TLS.clientConfig(cfg.Addr); err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg, tlsCfg)
		if err == nil && cfg.KeyLabel != "" {
			if cfg.Key, err = exportKey(conn, cfg.KeyLabel); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		if err == nil {
			return NewClient(conn, cfg, reg), nil
		}
		log.Warn().Int("attempt", attempt).Str("addr", cfg.Addr).Err(err).Msg("transport.Dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dial(ctx context.Context, cfg ClientConfig, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return rawConn, nil
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, cfg ClientConfig, reg *registry.Registry) *Client {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Cipher == nil {
		cfg.Cipher = cipher.Noop{}
	}
	limits := cfg.Session.Limits()
	return &Client{
		cfg:  cfg,
		conn: conn,
		enc:  pipeline.NewEncoder(reg, cfg.Cipher, limits),
		dec:  pipeline.NewDecoder(reg, cfg.Cipher, limits, conn.LocalAddr().String()),
		buf:  make([]byte, 32<<10),
	}
}

// Send encodes and writes one message.
func (c *Client) Send(ctx context.Context, msg any) error {
	b, err := c.enc.Encode(msg, c.cfg.Key, pipeline.Unbounded)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}

// SendRaw writes bytes as-is, bypassing the encoder.
func (c *Client) SendRaw(ctx context.Context, b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

// received is one decoded frame or one rejected frame, kept in wire order.
type received struct {
	msg pipeline.Message
	err error
}

// Receive blocks until the next frame arrives and returns frames in the
// order the server sent them. A frame this client could not resolve is
// returned as an error without closing the client; fatal decode errors
// are returned after the frames decoded before them, then stick.
func (c *Client) Receive(ctx context.Context) (pipeline.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	for {
		if len(c.inbox) > 0 {
			next := c.inbox[0]
			c.inbox = c.inbox[1:]
			return next.msg, next.err
		}
		if c.fatal != nil {
			return pipeline.Message{}, c.fatal
		}
		if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
			return pipeline.Message{}, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.fatal = c.dec.Feed(c.buf[:n], c.cfg.Key,
				func(m pipeline.Message) { c.inbox = append(c.inbox, received{msg: m}) },
				func(err error) error {
					c.inbox = append(c.inbox, received{err: err})
					return nil
				})
		}
		if err != nil && len(c.inbox) == 0 && c.fatal == nil {
			if errors.Is(err, net.ErrClosed) {
				return pipeline.Message{}, ErrClientClosed
			}
			return pipeline.Message{}, err
		}
	}
}

func (c *Client) deadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.cfg.IOTimeout > 0 {
		deadline = time.Now().Add(c.cfg.IOTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) Close() error {
	return c.conn.Close()
}
