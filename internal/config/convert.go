package config

import (
	"github.com/danmuck/gamewire/internal/dispatch"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/session"
	"github.com/danmuck/gamewire/internal/transport"
)

func (c Config) Session() session.Config {
	return session.Config{
		MaxFrameSize:     c.MaxFrameSize,
		MaxFrameErrors:   c.MaxFrameErrors,
		FrameErrorWindow: c.FrameErrorWindow,
	}
}

func (c Config) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Addr = c.Addr
	cfg.Session = c.Session()
	cfg.WriteBufferBytes = c.WriteBufferBytes
	cfg.SocketBufferBytes = c.SocketBufferBytes
	cfg.NoDelay = c.NoDelay
	cfg.IdleTimeout = c.IdleTimeout
	cfg.ShutdownGrace = c.ShutdownGrace
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.TLS = transport.TLSConfig{
		Enabled:  c.TLSEnabled(),
		Mutual:   c.TLSMutual,
		CertFile: c.TLSCertFile,
		KeyFile:  c.TLSKeyFile,
		CAFile:   c.TLSCAFile,
	}
	return cfg
}

// Keys picks how sessions obtain their cipher key.
func (c Config) Keys(shared []byte) transport.KeyProvider {
	if c.TLSKeyLabel != "" {
		return transport.TLSExporterKey(c.TLSKeyLabel)
	}
	return transport.StaticKey(shared)
}

func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
	}
}

// Cipher resolves the configured algorithm and shared key.
func (c Config) Cipher() (cipher.Cipher, []byte, error) {
	ci, err := cipher.New(c.Encryption)
	if err != nil {
		return nil, nil, err
	}
	key, err := cipher.ParseKey(c.Encryption, c.SharedKeyHex)
	if err != nil {
		return nil, nil, err
	}
	return ci, key, nil
}
