package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/protocol/frame"
)

// Config is the wirectl server configuration.
type Config struct {
	Addr              string
	AdminAddr         string
	MaxFrameSize      uint32
	WriteBufferBytes  int
	SocketBufferBytes int
	NoDelay           bool
	IdleTimeout       time.Duration
	ShutdownGrace     time.Duration
	Workers           int
	QueueSize         int
	MaxFrameErrors    int
	FrameErrorWindow  time.Duration
	Encryption        string
	SharedKeyHex      string
	AdminToken        string
	HandshakeTimeout  time.Duration
	TLSCertFile       string
	TLSKeyFile        string
	TLSCAFile         string
	TLSMutual         bool
	// TLSKeyLabel derives per-session cipher keys from TLS instead of
	// shared_key_hex.
	TLSKeyLabel string
}

// config.toml key mapping. Durations are Go duration strings.
type fileConfig struct {
	Addr              string `toml:"addr"`
	AdminAddr         string `toml:"admin_addr"`
	MaxFrameSize      int64  `toml:"max_frame_size"`
	WriteBufferBytes  int    `toml:"write_buffer_bytes"`
	SocketBufferBytes int    `toml:"socket_buffer_bytes"`
	NoDelay           bool   `toml:"tcp_nodelay"`
	IdleTimeout       string `toml:"idle_timeout"`
	ShutdownGrace     string `toml:"shutdown_grace"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
	MaxFrameErrors    int    `toml:"max_frame_errors"`
	FrameErrorWindow  string `toml:"frame_error_window"`
	Encryption        string `toml:"encryption"`
	SharedKeyHex      string `toml:"shared_key_hex"`
	AdminToken        string `toml:"admin_token"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	TLSCertFile       string `toml:"tls_cert_file"`
	TLSKeyFile        string `toml:"tls_key_file"`
	TLSCAFile         string `toml:"tls_ca_file"`
	TLSMutual         bool   `toml:"tls_mutual"`
	TLSKeyLabel       string `toml:"tls_key_label"`
}

func Default() Config {
	return Config{
		Addr:             ":7400",
		AdminAddr:        "127.0.0.1:7401",
		MaxFrameSize:     frame.DefaultMaxFrameSize,
		WriteBufferBytes: 1 << 20,
		NoDelay:          true,
		ShutdownGrace:    5 * time.Second,
		Workers:          0,
		QueueSize:        1024,
		MaxFrameErrors:   16,
		FrameErrorWindow: 10 * time.Second,
		Encryption:       cipher.NameNone,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Load overlays the keys present in path onto Default and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("max_frame_size") {
		if raw.MaxFrameSize < 0 || raw.MaxFrameSize > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("load config: max_frame_size out of range: %d", raw.MaxFrameSize)
		}
		cfg.MaxFrameSize = uint32(raw.MaxFrameSize)
	}
	if meta.IsDefined("write_buffer_bytes") {
		cfg.WriteBufferBytes = raw.WriteBufferBytes
	}
	if meta.IsDefined("socket_buffer_bytes") {
		cfg.SocketBufferBytes = raw.SocketBufferBytes
	}
	if meta.IsDefined("tcp_nodelay") {
		cfg.NoDelay = raw.NoDelay
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("max_frame_errors") {
		cfg.MaxFrameErrors = raw.MaxFrameErrors
	}
	if meta.IsDefined("encryption") {
		cfg.Encryption = strings.ToLower(strings.TrimSpace(raw.Encryption))
	}
	if meta.IsDefined("shared_key_hex") {
		cfg.SharedKeyHex = strings.TrimSpace(raw.SharedKeyHex)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLSCAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_mutual") {
		cfg.TLSMutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_key_label") {
		cfg.TLSKeyLabel = strings.TrimSpace(raw.TLSKeyLabel)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"shutdown_grace", raw.ShutdownGrace, &cfg.ShutdownGrace},
		{"frame_error_window", raw.FrameErrorWindow, &cfg.FrameErrorWindow},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxFrameSize < frame.MinLength {
		return fmt.Errorf("max_frame_size must be at least %d", frame.MinLength)
	}
	if c.WriteBufferBytes > 0 && c.WriteBufferBytes < frame.HeaderLen {
		return fmt.Errorf("write_buffer_bytes must be 0 (unbounded) or at least %d", frame.HeaderLen)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.MaxFrameErrors == 0 {
		return fmt.Errorf("max_frame_errors must be positive, or negative to disable the error window")
	}
	if c.IdleTimeout < 0 || c.ShutdownGrace < 0 || c.FrameErrorWindow < 0 || c.HandshakeTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := cipher.New(c.Encryption); err != nil {
		return err
	}
	key, err := cipher.ParseKey(c.Encryption, c.SharedKeyHex)
	if err != nil {
		return err
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	if c.TLSMutual && (c.TLSCertFile == "" || c.TLSCAFile == "") {
		return fmt.Errorf("tls_mutual requires tls_cert_file, tls_key_file and tls_ca_file")
	}
	if c.TLSKeyLabel != "" {
		if !c.TLSEnabled() {
			return fmt.Errorf("tls_key_label requires tls_cert_file and tls_key_file")
		}
		if len(key) > 0 {
			return fmt.Errorf("set either shared_key_hex or tls_key_label, not both")
		}
	}
	if c.Encryption == cipher.NameXChaCha20 && len(key) == 0 && c.TLSKeyLabel == "" {
		return fmt.Errorf("shared_key_hex or tls_key_label is required when encryption = %q", c.Encryption)
	}
	return nil
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
