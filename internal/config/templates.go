package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the annotated default config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

const Template = `# wirectl server
addr = ":7400"
admin_addr = "127.0.0.1:7401"

# frame limits
max_frame_size = 65536
# close after more than max_frame_errors bad frames within the window; -1 disables
max_frame_errors = 16
frame_error_window = "10s"

# per-connection socket and outbound settings
write_buffer_bytes = 1048576
socket_buffer_bytes = 0
tcp_nodelay = true
idle_timeout = "0s"
shutdown_grace = "5s"
handshake_timeout = "5s"

# dispatch: workers = 0 runs handlers on the read goroutine
workers = 0
queue_size = 1024

# encryption = "none" | "xchacha20poly1305"
encryption = "none"
shared_key_hex = ""

# TLS on the game port; tls_key_label derives session keys from TLS
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
tls_mutual = false
tls_key_label = ""

# bearer token for /registry and /metrics; empty leaves them open
admin_token = ""
`
