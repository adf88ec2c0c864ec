// Package channel owns the long-lived duplex websocket channels of the
// real-time core: one per (topic, key).
//
// Channels are opened fire-and-forget. Progress is reported through the
// StateHandler (connecting, open, closed) and inbound payloads are decoded
// once into protocol variants before reaching the MessageHandler. Payloads
// that fail to decode are logged and dropped; the channel stays open.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrNotOpen       = errors.New("channel: not open")
	ErrSendQueueFull = errors.New("channel: send queue full")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MessageHandler receives every decoded inbound message in delivery order.
type MessageHandler func(msg protocol.Message)

// StateHandler receives state transitions. err is set when a transition
// to connecting or closed was caused by a transport failure.
type StateHandler func(state State, err error)

// Channel is one websocket connection addressed by topic and key. All
// handler calls for a Channel come from a single goroutine, so they are
// never concurrent with each other.
type Channel struct {
	topic Topic
	key   string
	url   string

	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock
	log    *zap.SugaredLogger

	onMessage MessageHandler
	onState   StateHandler
	onExit    func(*Channel)

	mu      sync.Mutex
	state   State
	attempt int
	send    chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (c *Channel) Topic() Topic { return c.topic }
func (c *Channel) Key() string  { return c.key }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt is the number of consecutive failed attempts since the
// channel was last open.
func (c *Channel) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Done is closed once the channel's goroutines have exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send queues payload for writing. It fails with ErrNotOpen unless the
// channel is open; nothing is buffered across reconnects.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.send == nil {
		return ErrNotOpen
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears the channel down. Handlers are not invoked for anything
// that happens after Close, and no reconnect is attempted. Close does not
// wait; use Done for that.
func (c *Channel) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.send = nil
		c.mu.Unlock()
		close(c.stop)
	})
}

func (c *Channel) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s != StateOpen {
		c.send = nil
	}
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s, err)
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer func() {
		if c.onExit != nil {
			c.onExit(c)
		}
	}()
	for {
		c.setState(StateConnecting, nil)
		err := c.connect()
		if c.stopped() {
			c.log.Info("channel closed")
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		wait, ok := c.cfg.Reconnect.delay(attempt)
		if !ok {
			c.setState(StateClosed, err)
			return
		}
		c.log.Infow("channel dropped, reconnecting", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-c.clock.After(wait):
		case <-c.stop:
			return
		}
	}
}

// connect dials and serves one connection until it drops or Close is
// called.
func (c *Channel) connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Infow("channel dial failed", "error", err)
		return fmt.Errorf("channel: dial: %w", err)
	}
	if c.cfg.Compression {
		conn.EnableWriteCompression(true)
		if err := conn.SetCompressionLevel(c.cfg.CompressionLevel); err != nil {
			c.log.Warnw("invalid compression level", "level", c.cfg.CompressionLevel, "error", err)
		}
	}

	send := make(chan []byte, c.cfg.sendQueue())
	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.state = StateOpen
	c.send = send
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info("channel open")
	if c.onState != nil {
		c.onState(StateOpen, nil)
	}

	quit := make(chan struct{})
	go c.writePump(conn, send, quit)
	err = c.readPump(conn)
	close(quit)

	c.mu.Lock()
	if !c.stopped() {
		c.state = StateClosed
		c.send = nil
	}
	c.mu.Unlock()
	return err
}

// readPump pumps messages from the websocket connection to the handler.
// It is the only reader of conn.
func (c *Channel) readPump(conn *websocket.Conn) error {
	defer conn.Close()
	if c.cfg.ReadMessageSizeLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadMessageSizeLimit)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Errorw("channel read", "error", err)
			} else {
				c.log.Infow("channel closed by peer", "error", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.deliver(bytes.TrimSpace(message))
	}
}

func (c *Channel) deliver(data []byte) {
	if c.stopped() {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warnw("discarding inbound payload", "error", err, "payload", string(data))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("message handler panic", "panic", r)
		}
	}()
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// writePump pumps queued payloads to the websocket connection and keeps
// it alive with pings. It is the only writer of data frames on conn.
func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorw("channel write", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorw("channel ping", "error", err)
				return
			}
		case <-c.stop:
			// Payloads queued before Close still go out.
			c.drain(conn, send)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-quit:
			return
		}
	}
}

func (c *Channel) drain(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
