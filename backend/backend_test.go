package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/nzlov/dinesync/session"
)

type staticSource session.Principal

func (s staticSource) Principal() (session.Principal, error) { return session.Principal(s), nil }

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/"}, staticSource{RestaurantID: "r1", Role: session.RoleStaff, Token: "tk"}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestListConversations(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations/" || r.URL.Query().Get("restaurant_id") != "r1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Token tk" {
			t.Errorf("auth header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`[{"device_id":"d1","unread_count":2},{"device_id":"d2"}]`))
	})
	got, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DeviceID != "d1" || got[0].UnreadCount != 2 || got[1].DeviceID != "d2" {
		t.Fatalf("got %+v", got)
	}
}

func TestFetchMessagesAndMarkRead(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/chat/d1/messages/":
			w.Write([]byte(`[{"message":"Hi","is_from_device":true,"timestamp":"2026-01-01T10:00:00Z"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/chat/d1/mark-read/":
			w.Write([]byte(`{"marked":3}`))
		default:
			http.NotFound(w, r)
		}
	})
	msgs, err := c.FetchMessages(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Message != "Hi" || !msgs[0].IsFromDevice {
		t.Fatalf("got %+v", msgs)
	}
	n, err := c.MarkRead(context.Background(), "d1")
	if err != nil || n != 3 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
}

func TestStatusError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	_, err := c.FetchMessages(context.Background(), "d1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden || se.Body != "nope" {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := New(Config{BaseURL: "ws://x"}, staticSource{}, zaptest.NewLogger(t).Sugar()); err == nil {
		t.Fatal("ws base accepted")
	}
}
