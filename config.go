package main

import (
	"time"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/call"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/realtime"
	"github.com/nzlov/dinesync/session"
)

var DefConfig Config

type Config struct {
	Host      string `json:"host"`
	PprofHost string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	// Secret signs requests to the control API.
	Secret string `json:"secret"`
	DB     string `json:"db"`
	DBLog  bool   `json:"dblog"`

	Log       LogConfig               `json:"log" yaml:"log" mapstructure:"log"`
	Backend   BackendConfig           `json:"backend" yaml:"backend" mapstructure:"backend"`
	Session   SessionConfig           `json:"session" yaml:"session" mapstructure:"session"`
	Redis     RedisConfig             `json:"redis" yaml:"redis" mapstructure:"redis"`
	Client    ClientConfig            `json:"client" yaml:"client" mapstructure:"client"`
	Reconnect channel.ReconnectConfig `json:"reconnect" yaml:"reconnect" mapstructure:"reconnect"`
	Call      call.Config             `json:"call" yaml:"call" mapstructure:"call"`
	Events    EventsConfig            `json:"events" yaml:"events" mapstructure:"events"`
	Inbox     InboxConfig             `json:"inbox" yaml:"inbox" mapstructure:"inbox"`
}

type LogConfig struct {
	Production bool `json:"production" yaml:"production" mapstructure:"production"`
}

type BackendConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	WSURL   string        `json:"ws_url" yaml:"ws_url" mapstructure:"ws_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// SessionConfig picks where the principal is persisted. The principal
// fields seed the store on first start; later starts restore it.
type SessionConfig struct {
	Backend      string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	TTL          time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	RestaurantID string        `json:"restaurant_id" yaml:"restaurant_id" mapstructure:"restaurant_id"`
	DeviceID     string        `json:"device_id" yaml:"device_id" mapstructure:"device_id"`
	Role         string        `json:"role" yaml:"role" mapstructure:"role"`
	Token        string        `json:"token" yaml:"token" mapstructure:"token"`
}

func (s SessionConfig) Principal() session.Principal {
	return session.Principal{
		RestaurantID: s.RestaurantID,
		DeviceID:     s.DeviceID,
		Role:         session.Role(s.Role),
		Token:        s.Token,
	}
}

type RedisConfig struct {
	Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
}

type ClientConfig struct {
	ReadMessageSizeLimit int64         `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool          `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int           `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int           `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int           `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	SendQueue            int           `json:"send_queue" yaml:"send_queue" mapstructure:"send_queue"`
}

type EventsConfig struct {
	// Relay shares domain events with other processes over redis.
	Relay bool `json:"relay" yaml:"relay" mapstructure:"relay"`
}

type InboxConfig struct {
	Refresh time.Duration `json:"refresh" yaml:"refresh" mapstructure:"refresh"`
}

func (c Config) backend() backend.Config {
	return backend.Config{BaseURL: c.Backend.BaseURL, Timeout: c.Backend.Timeout}
}

func (c Config) realtime() realtime.Config {
	return realtime.Config{
		Channel: channel.Config{
			BaseURL:              c.Backend.BaseURL,
			WSURL:                c.Backend.WSURL,
			ReadMessageSizeLimit: c.Client.ReadMessageSizeLimit,
			Compression:          c.Client.Compression,
			CompressionLevel:     c.Client.CompressionLevel,
			ReadBufferSize:       c.Client.ReadBufferSize,
			WriteBufferSize:      c.Client.WriteBufferSize,
			HandshakeTimeout:     c.Client.HandshakeTimeout,
			SendQueue:            c.Client.SendQueue,
			Reconnect:            c.Reconnect,
		},
		Call: c.Call,
		Relay: realtime.RelayConfig{
			Enable:  c.Events.Relay && c.Redis.Enable,
			Name:    c.Redis.Name,
			Channel: c.Redis.Channel,
		},
		InboxRefresh: c.Inbox.Refresh,
	}
}
