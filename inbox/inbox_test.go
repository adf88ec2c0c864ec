package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/channel/channeltest"
	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/session"
)

var staff = session.Principal{RestaurantID: "r1", Role: session.RoleStaff, Token: "tk"}

type fakeBackend struct {
	mu     sync.Mutex
	convs  []backend.Conversation
	marked chan string
	n      int
}

func (f *fakeBackend) ListConversations(context.Context) ([]backend.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Conversation(nil), f.convs...), nil
}

func (f *fakeBackend) MarkRead(_ context.Context, id string) (int, error) {
	f.marked <- id
	return f.n, nil
}

type fixture struct {
	srv     *channeltest.Server
	clk     *clock.FakeClock
	be      *fakeBackend
	agg     *Aggregator
	changes chan Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:     channeltest.NewServer(t),
		clk:     clock.Fake(time.Unix(1700000000, 0)),
		be:      &fakeBackend{marked: make(chan string, 8)},
		changes: make(chan Entry, 64),
	}
	m := channeltest.NewManager(t, f.srv, staff, channel.Config{}, f.clk)
	f.agg = New(m, f.be, f.clk, zaptest.NewLogger(t).Sugar())
	f.agg.OnChange(func(e Entry) { f.changes <- e })
	t.Cleanup(f.agg.Close)
	return f
}

// accept waits for n connections and indexes them by key.
func (f *fixture) accept(t *testing.T, n int) map[string]*channeltest.Conn {
	t.Helper()
	out := map[string]*channeltest.Conn{}
	for i := 0; i < n; i++ {
		c := f.srv.Accept(t)
		if c.TopicPath != "chat" {
			t.Fatalf("background channel on %q", c.TopicPath)
		}
		out[c.Key] = c
	}
	return out
}

func (f *fixture) waitEntry(t *testing.T, id string, unread int) Entry {
	t.Helper()
	deadline := time.After(channeltest.Timeout)
	for {
		select {
		case e := <-f.changes:
			if e.ConversationID == id && e.UnreadCount == unread {
				return e
			}
		case <-deadline:
			t.Fatalf("%s never reached unread=%d", id, unread)
			return Entry{}
		}
	}
}

func TestBackgroundAccumulationThenOpen(t *testing.T) {
	f := newFixture(t)
	f.be.n = 3
	f.agg.Sync([]string{"C1", "C2"})
	conns := f.accept(t, 2)

	for _, text := range []string{"one", "two", "three"} {
		conns["C2"].Push(t, `{"message":"`+text+`","is_from_device":true}`)
	}
	e := f.waitEntry(t, "C2", 3)
	if !e.HasNew || e.LastPreview != "three" || !e.LastActivityAt.Equal(f.clk.Now()) {
		t.Fatalf("entry = %+v", e)
	}
	if f.agg.Total() != 3 {
		t.Fatalf("total = %d", f.agg.Total())
	}
	if got, _ := f.agg.Entry("C1"); got.UnreadCount != 0 || got.HasNew {
		t.Fatalf("C1 touched: %+v", got)
	}

	got := f.agg.OpenInbox("C2")
	if got.UnreadCount != 0 || got.HasNew {
		t.Fatalf("after open: %+v", got)
	}
	if id := <-f.be.marked; id != "C2" {
		t.Fatalf("marked %q", id)
	}
	conns["C2"].WaitClosed(t)
	if bg := f.agg.Background(); len(bg) != 1 || bg[0] != "C1" {
		t.Fatalf("background = %v", bg)
	}
	f.agg.Close()
	if f.agg.Total() != 0 {
		t.Fatalf("total after mark-read = %d", f.agg.Total())
	}
}

func TestActiveConversationNotCounted(t *testing.T) {
	f := newFixture(t)
	f.agg.Sync([]string{"C1", "C2"})
	conns := f.accept(t, 2)

	f.agg.OpenInbox("C1")
	<-f.be.marked
	conns["C1"].WaitClosed(t)

	// The chat session would own C1 now; traffic on C2 still counts.
	conns["C2"].Push(t, `{"message":"hey"}`)
	f.waitEntry(t, "C2", 1)
	if e, _ := f.agg.Entry("C1"); e.UnreadCount != 0 {
		t.Fatalf("active conversation counted: %+v", e)
	}

	// Switching back puts C1 in the background and takes C2 out.
	f.agg.OpenInbox("C2")
	<-f.be.marked
	reopened := f.accept(t, 1)["C1"]
	if reopened == nil {
		t.Fatal("C1 background channel not reopened")
	}
	conns["C2"].WaitClosed(t)
	if bg := f.agg.Background(); len(bg) != 1 || bg[0] != "C1" {
		t.Fatalf("background = %v", bg)
	}

	f.agg.Deactivate()
	if f.agg.Active() != "" {
		t.Fatalf("active = %q", f.agg.Active())
	}
	f.accept(t, 1)
	if bg := f.agg.Background(); len(bg) != 2 {
		t.Fatalf("background = %v", bg)
	}
}

func TestRefreshReconciles(t *testing.T) {
	f := newFixture(t)
	f.be.convs = []backend.Conversation{{DeviceID: "C1", UnreadCount: 2}, {DeviceID: "C2", UnreadCount: 5}}
	if err := f.agg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	conns := f.accept(t, 2)
	if f.agg.Total() != 7 {
		t.Fatalf("total = %d", f.agg.Total())
	}

	conns["C1"].Push(t, `{"message":"old"}`)
	f.waitEntry(t, "C1", 1)

	// C1 disappears, C3 appears.
	f.be.mu.Lock()
	f.be.convs = []backend.Conversation{{DeviceID: "C2"}, {DeviceID: "C3"}}
	f.be.mu.Unlock()
	if err := f.agg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	conns["C1"].WaitClosed(t)
	f.accept(t, 1)

	snap := f.agg.Snapshot()
	if _, ok := snap["C1"]; ok {
		t.Fatal("vanished conversation kept")
	}
	if e := snap["C3"]; e.UnreadCount != 0 || e.HasNew {
		t.Fatalf("new entry not zero: %+v", e)
	}
	if bg := f.agg.Background(); len(bg) != 2 || bg[0] != "C2" || bg[1] != "C3" {
		t.Fatalf("background = %v", bg)
	}

	// A recycled id starts from zero.
	f.be.mu.Lock()
	f.be.convs = append(f.be.convs, backend.Conversation{DeviceID: "C1"})
	f.be.mu.Unlock()
	if err := f.agg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.accept(t, 1)
	if e, _ := f.agg.Entry("C1"); e.UnreadCount != 0 || e.LastPreview != "" {
		t.Fatalf("stale entry reused: %+v", e)
	}
}

func TestDroppedBackgroundReopenedOnSync(t *testing.T) {
	f := newFixture(t)
	f.agg.Sync([]string{"C1"})
	conn := f.accept(t, 1)["C1"]
	conn.Drop()

	deadline := time.Now().Add(channeltest.Timeout)
	for len(f.agg.Background()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("dropped channel still tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.agg.Sync([]string{"C1"})
	f.accept(t, 1)
	if bg := f.agg.Background(); len(bg) != 1 {
		t.Fatalf("background = %v", bg)
	}
}

func TestListOrdersByActivity(t *testing.T) {
	f := newFixture(t)
	f.agg.Sync([]string{"A", "B"})
	conns := f.accept(t, 2)

	conns["B"].Push(t, `{"message":"b"}`)
	f.waitEntry(t, "B", 1)
	f.clk.Advance(time.Minute)
	conns["A"].Push(t, `{"message":"a"}`)
	f.waitEntry(t, "A", 1)

	list := f.agg.List()
	if len(list) != 2 || list[0].ConversationID != "A" || list[1].ConversationID != "B" {
		t.Fatalf("list = %+v", list)
	}
}
