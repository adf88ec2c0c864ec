package channel

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	WSURL   string `json:"ws_url" yaml:"ws_url" mapstructure:"ws_url"`

	ReadMessageSizeLimit int64         `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool          `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int           `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int           `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int           `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	SendQueue            int           `json:"send_queue" yaml:"send_queue" mapstructure:"send_queue"`

	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect" mapstructure:"reconnect"`
}

// ReconnectConfig is the retry policy applied after an unexpected drop.
// It is off by default: a dropped channel reports StateClosed and the
// owning component decides whether to open it again.
type ReconnectConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff" mapstructure:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`
}

// delay returns the wait before the given 1-based attempt, or false when
// the policy is exhausted.
func (r ReconnectConfig) delay(attempt int) (time.Duration, bool) {
	if !r.Enabled || attempt < 1 {
		return 0, false
	}
	if r.MaxAttempts > 0 && attempt > r.MaxAttempts {
		return 0, false
	}
	d := r.Backoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.MaxBackoff > 0 && d >= r.MaxBackoff {
			return r.MaxBackoff, true
		}
	}
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	return d, true
}

func (c Config) dialer() *websocket.Dialer {
	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  timeout,
		ReadBufferSize:    c.ReadBufferSize,
		WriteBufferSize:   c.WriteBufferSize,
		EnableCompression: c.Compression,
	}
}

func (c Config) sendQueue() int {
	if c.SendQueue <= 0 {
		return 16
	}
	return c.SendQueue
}
