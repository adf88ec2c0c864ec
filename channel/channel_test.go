package channel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/channel/channeltest"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/protocol"
	"github.com/nzlov/dinesync/session"
)

var owner = session.Principal{RestaurantID: "r1", Role: session.RoleOwner, Token: "tok en"}

type recorder struct {
	messages chan protocol.Message
	states   chan channel.State
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan protocol.Message, 32),
		states:   make(chan channel.State, 32),
	}
}

func (r *recorder) onMessage(m protocol.Message) { r.messages <- m }

func (r *recorder) onState(s channel.State, _ error) { r.states <- s }

func (r *recorder) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(channeltest.Timeout):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestWebSocketBase(t *testing.T) {
	tests := []struct {
		rest, override, want string
		fail                 bool
	}{
		{rest: "http://api.local:8000", want: "ws://api.local:8000"},
		{rest: "https://api.example.com/v1/", want: "wss://api.example.com/v1"},
		{rest: "https://api.example.com", override: "wss://rt.example.com", want: "wss://rt.example.com"},
		{rest: "ftp://x", fail: true},
		{rest: "http://", fail: true},
	}
	for _, tt := range tests {
		got, err := channel.WebSocketBase(tt.rest, tt.override)
		if tt.fail {
			if err == nil {
				t.Errorf("%q: expected error, got %q", tt.rest, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q/%q = %q, %v; want %q", tt.rest, tt.override, got, err, tt.want)
		}
	}
}

func TestBuildURL(t *testing.T) {
	got, err := channel.BuildURL("wss://rt.example.com", channel.TopicChat, "table 7", "a&b")
	if err != nil {
		t.Fatal(err)
	}
	if want := "wss://rt.example.com/ws/chat/table%207/?token=a%26b"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if _, err := channel.BuildURL("ws://x", channel.Topic("video"), "k", "t"); err == nil {
		t.Fatal("unknown topic accepted")
	}
	if _, err := channel.BuildURL("ws://x", channel.TopicCall, "", "t"); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestOpenDeliversDecodedMessagesInOrder(t *testing.T) {
	srv := channeltest.NewServer(t)
	m := channeltest.NewManager(t, srv, owner, channel.Config{}, nil)
	rec := newRecorder()

	c, err := m.Open(channel.TopicGlobal, "r1", rec.onMessage, rec.onState)
	if err != nil {
		t.Fatal(err)
	}
	conn := srv.Accept(t)
	channeltest.WaitState(t, rec.states, channel.StateOpen)
	if conn.Path != "/ws/live/r1/" || conn.Token != "tok en" {
		t.Fatalf("addressed %q token %q", conn.Path, conn.Token)
	}

	conn.Push(t, `{"type":"item_created"}`)
	conn.Push(t, `{not json`)
	conn.Push(t, `{"type":"mystery"}`)
	conn.Push(t, `{"type":"call_ended"}`)

	if got, ok := rec.next(t).(protocol.DomainEvent); !ok || got.Entity != "item" {
		t.Fatalf("first message %#v", got)
	}
	if _, ok := rec.next(t).(protocol.CallEnded); !ok {
		t.Fatal("bad payloads should be skipped, not close the channel")
	}
	if c.State() != channel.StateOpen {
		t.Fatalf("state = %s", c.State())
	}
}

func TestSendRequiresOpen(t *testing.T) {
	srv := channeltest.NewServer(t)
	srv.SetReject(true)
	m := channeltest.NewManager(t, srv, owner, channel.Config{}, nil)
	rec := newRecorder()

	c, err := m.Open(channel.TopicChat, "d1", rec.onMessage, rec.onState)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send([]byte(`{}`)); !errors.Is(err, channel.ErrNotOpen) {
		t.Fatalf("send while connecting: %v", err)
	}
	channeltest.WaitState(t, rec.states, channel.StateClosed)
	if err := c.Send([]byte(`{}`)); !errors.Is(err, channel.ErrNotOpen) {
		t.Fatalf("send after failed dial: %v", err)
	}
	<-c.Done()
	if _, ok := m.Get(channel.TopicChat, "d1"); ok {
		t.Fatal("closed channel still registered")
	}
}

func TestSendAndClose(t *testing.T) {
	srv := channeltest.NewServer(t)
	m := channeltest.NewManager(t, srv, owner, channel.Config{}, nil)
	rec := newRecorder()

	c, err := m.Open(channel.TopicChat, "d1", rec.onMessage, rec.onState)
	if err != nil {
		t.Fatal(err)
	}
	conn := srv.Accept(t)
	channeltest.WaitState(t, rec.states, channel.StateOpen)

	if err := c.Send([]byte(`{"type":"message","message":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	if got := string(conn.Next(t)); got != `{"type":"message","message":"hi"}` {
		t.Fatalf("server got %s", got)
	}

	c.Close()
	if err := c.Send([]byte(`{}`)); !errors.Is(err, channel.ErrNotOpen) {
		t.Fatalf("send after close: %v", err)
	}
	conn.WaitClosed(t)
	<-c.Done()
	select {
	case s := <-rec.states:
		t.Fatalf("state %s reported after Close", s)
	default:
	}
}

func TestReopenReplacesExisting(t *testing.T) {
	srv := channeltest.NewServer(t)
	m := channeltest.NewManager(t, srv, owner, channel.Config{}, nil)

	first, _ := m.Open(channel.TopicChat, "d1", nil, nil)
	firstConn := srv.Accept(t)
	second, _ := m.Open(channel.TopicChat, "d1", nil, nil)
	srv.Accept(t)

	firstConn.WaitClosed(t)
	<-first.Done()
	if got, _ := m.Get(channel.TopicChat, "d1"); got != second {
		t.Fatal("manager does not hold the replacement")
	}
	if keys := m.Keys(channel.TopicChat); len(keys) != 1 || keys[0] != "d1" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestUnexpectedDropReportsClosed(t *testing.T) {
	srv := channeltest.NewServer(t)
	m := channeltest.NewManager(t, srv, owner, channel.Config{}, nil)
	rec := newRecorder()

	c, _ := m.Open(channel.TopicCall, "d1", rec.onMessage, rec.onState)
	conn := srv.Accept(t)
	channeltest.WaitState(t, rec.states, channel.StateOpen)

	conn.Drop()
	channeltest.WaitState(t, rec.states, channel.StateClosed)
	<-c.Done()
	if _, ok := m.Get(channel.TopicCall, "d1"); ok {
		t.Fatal("dropped channel still registered")
	}
	if srv.Pending() != 0 {
		t.Fatal("reconnected without a policy")
	}
}

func TestReconnectPolicy(t *testing.T) {
	srv := channeltest.NewServer(t)
	clk := clock.Fake(time.Unix(0, 0))
	cfg := channel.Config{Reconnect: channel.ReconnectConfig{Enabled: true, MaxAttempts: 2, Backoff: time.Second}}
	m := channeltest.NewManager(t, srv, owner, cfg, clk)
	rec := newRecorder()

	c, _ := m.Open(channel.TopicGlobal, "r1", rec.onMessage, rec.onState)
	conn := srv.Accept(t)
	channeltest.WaitState(t, rec.states, channel.StateOpen)

	conn.Drop()
	waitTimer(t, clk)
	if c.ReconnectAttempt() != 1 {
		t.Fatalf("attempt = %d", c.ReconnectAttempt())
	}
	clk.Advance(time.Second)
	conn = srv.Accept(t)
	channeltest.WaitState(t, rec.states, channel.StateOpen)
	if c.ReconnectAttempt() != 0 {
		t.Fatalf("attempt not reset after open: %d", c.ReconnectAttempt())
	}
	conn.Push(t, `{"type":"order_updated"}`)
	if _, ok := rec.next(t).(protocol.DomainEvent); !ok {
		t.Fatal("no delivery after reconnect")
	}

	// Exhaust the policy: two failed redials, then closed.
	srv.SetReject(true)
	conn.Drop()
	waitTimer(t, clk)
	clk.Advance(time.Second)
	waitTimer(t, clk)
	clk.Advance(2 * time.Second)
	channeltest.WaitState(t, rec.states, channel.StateClosed)
	<-c.Done()
}

func TestCloseStopsReconnect(t *testing.T) {
	srv := channeltest.NewServer(t)
	clk := clock.Fake(time.Unix(0, 0))
	cfg := channel.Config{Reconnect: channel.ReconnectConfig{Enabled: true, Backoff: time.Second}}
	m := channeltest.NewManager(t, srv, owner, cfg, clk)

	c, _ := m.Open(channel.TopicGlobal, "r1", nil, nil)
	srv.Accept(t).Drop()
	waitTimer(t, clk)
	m.Close(channel.TopicGlobal, "r1")
	<-c.Done()
	clk.Advance(time.Minute)
	if srv.Pending() != 0 {
		t.Fatal("redialed after Close")
	}
}

func TestOpenWithoutSession(t *testing.T) {
	m, err := channel.NewManager(channel.Config{BaseURL: "http://x"}, noSession{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(channel.TopicChat, "d1", nil, nil); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("err = %v", err)
	}
}

type noSession struct{}

func (noSession) Principal() (session.Principal, error) { return session.Principal{}, session.ErrNoSession }

func waitTimer(t *testing.T, clk *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(channeltest.Timeout)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect timer scheduled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
