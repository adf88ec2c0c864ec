// Package channeltest provides an in-process websocket backend for tests
// of code built on package channel.
package channeltest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/session"
)

// Timeout bounds every wait in this package.
const Timeout = 5 * time.Second

// StaticSource is a channel.PrincipalSource that always returns itself.
type StaticSource session.Principal

func (s StaticSource) Principal() (session.Principal, error) { return session.Principal(s), nil }

// Server accepts websocket upgrades on /ws/{topic}/{key}/ and hands each
// connection to the test through Accept.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader
	conns    chan *Conn

	mu     sync.Mutex
	reject bool
	all    []*Conn
}

func NewServer(t testing.TB) *Server {
	s := &Server{conns: make(chan *Conn, 64)}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveWs))
	t.Cleanup(s.Close)
	return s
}

// Close drops every live connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	all := s.all
	s.all = nil
	s.mu.Unlock()
	for _, c := range all {
		c.ws.Close()
	}
	s.Server.Close()
}

// SetReject makes the server refuse (true) or accept (false) upgrades.
func (s *Server) SetReject(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		Path:     r.URL.Path,
		Token:    r.URL.Query().Get("token"),
		Received: make(chan []byte, 64),
		closed:   make(chan struct{}),
		ws:       ws,
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "ws" {
		c.TopicPath, c.Key = parts[1], parts[2]
	}
	s.mu.Lock()
	s.all = append(s.all, c)
	s.mu.Unlock()
	s.conns <- c
	go c.readLoop()
}

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(Timeout):
		t.Fatal("channeltest: no connection accepted")
		return nil
	}
}

// Pending reports whether a connection is waiting to be accepted.
func (s *Server) Pending() int { return len(s.conns) }

// Conn is the server side of one client channel.
type Conn struct {
	Path      string
	TopicPath string
	Key       string
	Token     string

	// Received carries every text payload the client sent.
	Received chan []byte

	ws     *websocket.Conn
	wmu    sync.Mutex
	closed chan struct{}
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.Received <- data
	}
}

// Push writes payload to the client.
func (c *Conn) Push(t testing.TB, payload string) {
	t.Helper()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("channeltest: push: %v", err)
	}
}

// Next waits for the next payload from the client.
func (c *Conn) Next(t testing.TB) []byte {
	t.Helper()
	select {
	case data := <-c.Received:
		return data
	case <-time.After(Timeout):
		t.Fatal("channeltest: no payload received")
		return nil
	}
}

// Quiet fails if the client sends anything within d.
func (c *Conn) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.Received:
		t.Fatalf("channeltest: unexpected payload %s", data)
	case <-time.After(d):
	}
}

// Drop closes the underlying connection without a close handshake.
func (c *Conn) Drop() { c.ws.Close() }

// WaitClosed waits until the client side has gone away.
func (c *Conn) WaitClosed(t testing.TB) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(Timeout):
		t.Fatal("channeltest: connection still open")
	}
}

// NewManager returns a channel.Manager pointed at s for principal p.
func NewManager(t testing.TB, s *Server, p session.Principal, cfg channel.Config, clk clock.Clock) *channel.Manager {
	t.Helper()
	cfg.BaseURL = s.URL
	m, err := channel.NewManager(cfg, StaticSource(p), clk, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

// WaitState reads states until want arrives.
func WaitState(t testing.TB, states <-chan channel.State, want channel.State) {
	t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("channeltest: state %s never reached", want)
		}
	}
}
