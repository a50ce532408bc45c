package transport

import (
	"time"

	"github.com/danmuck/gamewire/internal/protocol/session"
)

// Config defines listener, socket and per-connection settings.
type Config struct {
	Addr    string
	Session session.Config

	// WriteBufferBytes caps bytes queued per connection and not yet
	// written. Zero or less disables the cap.
	WriteBufferBytes int
	WriteTimeout     time.Duration
	// IdleTimeout closes a connection with no inbound bytes for that
	// long. Zero disables it.
	IdleTimeout       time.Duration
	ReadChunkBytes    int
	SocketBufferBytes int
	NoDelay           bool
	ShutdownGrace     time.Duration
	// HandshakeTimeout bounds TLS and key negotiation for new connections.
	HandshakeTimeout time.Duration
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":7400",
		Session:          session.DefaultConfig(),
		WriteBufferBytes: 1 << 20,
		WriteTimeout:     10 * time.Second,
		ReadChunkBytes:   32 << 10,
		NoDelay:          true,
		ShutdownGrace:    5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// WithDefaults fills unset sizes and timeouts. Booleans and the zero
// WriteBufferBytes/IdleTimeout are taken as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	c.Session = c.Session.WithDefaults()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = def.ReadChunkBytes
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}
